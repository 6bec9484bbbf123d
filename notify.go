package cfddns

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Notifiers delivers each event to every channel independently and concurrently.
//
// The outcome is delivered when at least one channel delivered;
// Err lists the channels that failed, so partial delivery is visible without being a failure.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, event Event) Outcome {
	if len(ns) == 0 {
		return delivered()
	}

	outcomes := make([]Outcome, len(ns))
	var wg sync.WaitGroup
	for i, n := range ns {
		wg.Add(1)
		go func(i int, n Notifier) {
			defer wg.Done()
			outcomes[i] = n.Notify(ctx, event)
		}(i, n)
	}
	wg.Wait()

	var (
		merr *multierror.Error
		ok   bool
	)
	for i, o := range outcomes {
		if o.Delivered {
			ok = true
			continue
		}
		err := o.Err
		if err == nil {
			err = fmt.Errorf("not delivered")
		}
		merr = multierror.Append(merr, fmt.Errorf("%s: %w", channelName(ns[i]), err))
	}
	return Outcome{Delivered: ok, Err: merr.ErrorOrNil()}
}

func channelName(n Notifier) string {
	if s, ok := n.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", n)
}

// NotifierFunc adapts an ordinary function to the Notifier interface.
type NotifierFunc func(context.Context, Event) Outcome

func (f NotifierFunc) Notify(ctx context.Context, e Event) Outcome { return f(ctx, e) }
