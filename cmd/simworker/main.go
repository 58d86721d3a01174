// simworker is a synthetic device loop for exercising the daemon
// without real hardware. It emits numbered pseudo-frames at a
// configurable rate and honors set_param fps changes at runtime.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"rtcore/pkg/logx"
	"rtcore/pkg/workerrt"
)

func main() {
	var fps float64
	var frameSize int
	flag.Float64Var(&fps, "fps", 30, "default frames per second")
	flag.IntVar(&frameSize, "frame-size", 4096, "synthetic frame body size in bytes")
	flag.Parse()

	// stdout carries the control protocol, so logs go to stderr only.
	log := logx.NewConsoleTo(os.Stderr, "info")

	rt := workerrt.New(workerrt.Options{Logger: log})
	cam := &simCamera{rt: rt, fps: fps, frameSize: frameSize, log: log}

	if err := rt.Run(context.Background(), cam); err != nil {
		fmt.Fprintln(os.Stderr, "simworker:", err)
		os.Exit(1)
	}
}

type simCamera struct {
	rt  *workerrt.Runtime
	log logx.Logger

	mu        sync.Mutex
	fps       float64
	frameSize int
	seq       uint64
	cancel    context.CancelFunc
}

func (c *simCamera) Connect(_ context.Context, init map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := asFloat(init["fps"]); ok && v > 0 {
		c.fps = v
	}
	if v, ok := asFloat(init["frame_size"]); ok && v > 0 {
		c.frameSize = int(v)
	}
	c.log.Info("connected",
		logx.Float64("fps", c.fps),
		logx.Int("frame_size", c.frameSize))
	return nil
}

func (c *simCamera) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.frameLoop(loopCtx)
	return nil
}

func (c *simCamera) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return nil
}

func (c *simCamera) SetParam(_ context.Context, params map[string]any) error {
	v, ok := asFloat(params["fps"])
	if !ok || v <= 0 {
		return fmt.Errorf("set_param: fps must be a positive number")
	}
	c.mu.Lock()
	c.fps = v
	c.mu.Unlock()
	c.log.Info("fps updated", logx.Float64("fps", v))
	return nil
}

func (c *simCamera) frameLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		interval := time.Duration(float64(time.Second) / c.fps)
		size := c.frameSize
		c.seq++
		seq := c.seq
		c.mu.Unlock()

		body := make([]byte, 8+size)
		binary.BigEndian.PutUint64(body[:8], seq)
		for i := range body[8:] {
			body[8+i] = byte(seq + uint64(i))
		}
		if err := c.rt.SendFrame(body); err != nil {
			// Supervisor is gone; end the process so it can be respawned.
			c.rt.Stop()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}
