package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
)

// ChromeConfig controls the chromedp-backed browser instances.
type ChromeConfig struct {
	UserAgent     string
	LaunchTimeout time.Duration
}

// ChromeFactory builds pooled browser instances from a shared chromedp
// exec allocator. Each instance gets its own browser context so a crash in
// one never takes down a sibling.
type ChromeFactory struct {
	cfg         ChromeConfig
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromeFactory creates the shared allocator.
func NewChromeFactory(cfg ChromeConfig) *ChromeFactory {
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &ChromeFactory{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}
}

// New launches a browser instance. chromedp starts the process on the first
// Run, so the setup run doubles as an eager launch check.
func (f *ChromeFactory) New(ctx context.Context) (Instance, error) {
	taskCtx, taskCancel := chromedp.NewContext(f.allocator)

	setup := chromedp.Tasks{
		network.Enable(),
		emulation.SetDeviceMetricsOverride(1280, 800, 1.0, false),
	}
	if f.cfg.UserAgent != "" {
		setup = append(setup, emulation.SetUserAgentOverride(f.cfg.UserAgent))
	}

	launchCtx, cancel := context.WithTimeout(taskCtx, f.cfg.LaunchTimeout)
	defer cancel()
	if err := chromedp.Run(launchCtx, setup); err != nil {
		taskCancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	if err := ctx.Err(); err != nil {
		taskCancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	return &chromeInstance{
		id:     uuid.NewString(),
		ctx:    taskCtx,
		cancel: taskCancel,
	}, nil
}

// Close shuts down the shared allocator and every browser spawned from it.
func (f *ChromeFactory) Close() {
	f.allocCancel()
}

type chromeInstance struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *chromeInstance) ID() string {
	return c.id
}

// Context returns the browser's chromedp context for navigation and
// rendering by the calling pipeline.
func (c *chromeInstance) Context() context.Context {
	return c.ctx
}

// Ping evaluates a trivial expression to verify the browser still responds.
func (c *chromeInstance) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		pingCtx, cancel = context.WithDeadline(pingCtx, deadline)
		defer cancel()
	}
	var one int
	if err := chromedp.Run(pingCtx, chromedp.Evaluate("1", &one)); err != nil {
		return fmt.Errorf("browser ping: %w", err)
	}
	return nil
}

func (c *chromeInstance) Close() error {
	c.cancel()
	return nil
}
