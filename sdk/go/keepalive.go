package sdk

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartKeepalive 注册服务并周期性重新注册，注册中心丢失记录后可自动恢复
func (c *Client) StartKeepalive(ctx context.Context, req *RegisterRequest) error {
	if _, err := c.Register(ctx, req); err != nil {
		return err
	}

	// 停止已有保活任务
	c.StopKeepalive()

	c.mu.Lock()
	defer c.mu.Unlock()
	stop := make(chan struct{})
	done := make(chan struct{})
	c.stopChan, c.done, c.kept = stop, done, req

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.config.KeepaliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
				if _, err := c.Register(ctx, req); err != nil {
					c.logger.Warn("保活注册失败，将在下一个周期重试",
						zap.String("service", req.Name), zap.Error(err))
				}
				cancel()
			case <-stop:
				return
			}
		}
	}()
	return nil
}

// StopKeepalive 停止保活任务，返回此前保活的服务
func (c *Client) StopKeepalive() *RegisterRequest {
	c.mu.Lock()
	stop, done, kept := c.stopChan, c.done, c.kept
	c.stopChan, c.done, c.kept = nil, nil, nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return kept
}
