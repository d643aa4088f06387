package transport

import "context"

// NewNop returns an adapter that accepts every send and produces no
// updates. Used when no delivery backend is configured, so the scheduler
// keeps running and jobs complete normally.
func NewNop() Adapter { return nopAdapter{} }

type nopAdapter struct{}

func (nopAdapter) Start(ctx context.Context, out chan<- Update) error { return nil }
func (nopAdapter) Stop(ctx context.Context) error                     { return nil }

func (nopAdapter) SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error) {
	return MessageRef{ChatID: to.ChatID}, nil
}

func (nopAdapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return nil
}
