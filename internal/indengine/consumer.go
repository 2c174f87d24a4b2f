package indengine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"overlay-systemv1/internal/model"
)

// ControlChannel carries attach requests ("SYMBOL:TF") published by other
// services, e.g. a chart opening a new instrument.
const ControlChannel = "overlay:attach"

// startConsumer recovers this consumer's pending entries and starts the
// XREADGROUP loop over the startup streams.
func (svc *Service) startConsumer(ctx context.Context) {
	if len(svc.streams) == 0 {
		svc.health.SetConsumerOK(true)
		return
	}
	if err := svc.redisReader.EnsureConsumerGroup(ctx, svc.streams); err != nil {
		svc.log.Warn("consumer group setup", zap.Error(err))
	}
	if n, err := svc.redisReader.RecoverPending(ctx, svc.streams, svc.barCh); err != nil {
		svc.log.Warn("pending recovery failed", zap.Error(err))
	} else if n > 0 {
		svc.log.Info("recovered pending bars", zap.Int("bars", n))
	}
	svc.consume(ctx, svc.streams)
}

func (svc *Service) consume(ctx context.Context, streams []string) {
	svc.health.SetConsumerOK(true)
	go func() {
		if err := svc.redisReader.ConsumeBars(ctx, streams, svc.barCh); err != nil && ctx.Err() == nil {
			svc.health.SetConsumerOK(false)
			svc.log.Error("consumer stopped", zap.Strings("streams", streams), zap.Error(err))
		}
	}()
}

// watchStream starts consuming the bar stream of an instrument attached
// after startup. Streams already consumed are ignored.
func (svc *Service) watchStream(ctx context.Context, key string) {
	symbol, tf, err := model.ParseInstrumentKey(key)
	if err != nil {
		return
	}
	stream := model.BarStreamKey(symbol, tf)

	svc.streamsMu.Lock()
	for _, s := range svc.streams {
		if s == stream {
			svc.streamsMu.Unlock()
			return
		}
	}
	svc.streams = append(svc.streams, stream)
	svc.streamsMu.Unlock()

	if err := svc.redisReader.EnsureConsumerGroup(ctx, []string{stream}); err != nil {
		svc.log.Warn("consumer group setup", zap.String("stream", stream), zap.Error(err))
	}
	svc.consume(ctx, []string{stream})
	svc.log.Info("consuming new stream", zap.String("stream", stream))
}

// startPELReclaimer starts periodic reclamation of stale PEL entries.
func (svc *Service) startPELReclaimer(ctx context.Context) {
	if len(svc.streams) == 0 {
		return
	}
	svc.streamsMu.Lock()
	streams := append([]string(nil), svc.streams...)
	svc.streamsMu.Unlock()

	go svc.redisReader.StartPELReclaimer(ctx, streams, svc.cfg.PELInterval, svc.cfg.PELMinIdle, svc.barCh,
		func(count int) {
			svc.prom.PELMessagesReclaimed.Add(float64(count))
			svc.log.Info("reclaimed stale PEL messages", zap.Int("count", count))
		})
	svc.log.Info("PEL reclaimer started",
		zap.Duration("interval", svc.cfg.PELInterval),
		zap.Duration("min_idle", svc.cfg.PELMinIdle))
}

// startControlSubscriber listens on ControlChannel for attach requests.
func (svc *Service) startControlSubscriber(ctx context.Context) {
	pubsub, err := svc.redisReader.SubscribeChannel(ctx, ControlChannel)
	if err != nil {
		svc.log.Warn("could not subscribe to control channel", zap.String("channel", ControlChannel), zap.Error(err))
		return
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				key := strings.TrimSpace(msg.Payload)
				if _, err := svc.attach(ctx, key); err != nil {
					svc.log.Warn("attach request rejected", zap.String("key", key), zap.Error(err))
				}
			}
		}
	}()
	svc.log.Info("subscribed to control channel", zap.String("channel", ControlChannel))
}

// attach re-attaches key on the processing goroutine and makes sure its
// live stream is consumed for the lifetime of the service.
func (svc *Service) attach(ctx context.Context, key string) (int, error) {
	if _, _, err := model.ParseInstrumentKey(key); err != nil {
		return 0, err
	}
	var (
		n   int
		err error
	)
	if doErr := svc.proc.Do(ctx, func(ctx context.Context) {
		n, err = svc.proc.Attach(ctx, key)
	}); doErr != nil {
		return 0, doErr
	}
	if err != nil {
		return 0, err
	}
	svc.watchStream(svc.runCtx, key)
	return n, nil
}
