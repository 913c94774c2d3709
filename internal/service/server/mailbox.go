package server

import (
	"context"

	"go.uber.org/zap"

	"improto/internal/model"
	"improto/internal/utils/log"
)

func (s *HttpServer) PutMessagesToCache(ctx context.Context, preKey string, frames ...model.Frame) error {
	return s.redisService.PushMailbox(ctx, preKey, mailboxTTL, frames...)
}

// ForwardUnsentMessages flushes the offline queue of c's mailbox into c.
// Frames that cannot be written go back to the queue.
func (s *HttpServer) ForwardUnsentMessages(ctx context.Context, c *client) error {
	frames, err := s.redisService.DrainMailbox(ctx, c.mailbox)
	if err != nil {
		return err
	}
	for i, f := range frames {
		if err := c.write(f); err != nil {
			log.Warn("forward interrupted", zap.String("preKey", c.mailbox), zap.Int("requeued", len(frames)-i))
			return s.PutMessagesToCache(ctx, c.mailbox, frames[i:]...)
		}
	}
	if len(frames) > 0 {
		log.Debug("forwarded offline frames", zap.String("preKey", c.mailbox), zap.Int("count", len(frames)))
	}
	return nil
}
