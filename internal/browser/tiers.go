package browser

import (
	"fmt"
	"os"

	"github.com/chromedp/chromedp"
)

// Tier names, in launch order.
const (
	TierProfile   = "profile"
	TierIncognito = "incognito"
	TierTempDir   = "temp_profile"
	TierHeadless  = "headless"
)

// launchSpec is what a tier hands to the launch func.
type launchSpec struct {
	opts       []chromedp.ExecAllocatorOption
	profileDir string
	// ephemeral profile dirs are removed on failure and on Close.
	ephemeral bool
}

// tier is one startup strategy. prepare builds the launch options and may
// create a profile dir; the launcher removes ephemeral dirs itself.
type tier struct {
	name    string
	prepare func(cfg Config) (launchSpec, error)
}

// defaultTiers returns the startup chain. The configured profile tier is
// only included when a profile dir is set.
func defaultTiers(cfg Config) []tier {
	tiers := make([]tier, 0, 4)
	if cfg.ProfileDir != "" {
		tiers = append(tiers, tier{name: TierProfile, prepare: prepareProfile})
	}
	return append(tiers,
		tier{name: TierIncognito, prepare: prepareIncognito},
		tier{name: TierTempDir, prepare: prepareTempDir},
		tier{name: TierHeadless, prepare: prepareHeadless},
	)
}

func baseOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

func visible(opts []chromedp.ExecAllocatorOption) []chromedp.ExecAllocatorOption {
	return append(opts, chromedp.Flag("headless", false))
}

func prepareProfile(cfg Config) (launchSpec, error) {
	if err := os.MkdirAll(cfg.ProfileDir, 0o750); err != nil {
		return launchSpec{}, fmt.Errorf("create profile dir: %w", err)
	}
	opts := visible(baseOptions(cfg))
	opts = append(opts, chromedp.UserDataDir(cfg.ProfileDir))
	return launchSpec{opts: opts, profileDir: cfg.ProfileDir}, nil
}

func prepareIncognito(cfg Config) (launchSpec, error) {
	opts := visible(baseOptions(cfg))
	opts = append(opts,
		chromedp.Flag("incognito", true),
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	return launchSpec{opts: opts}, nil
}

func prepareTempDir(cfg Config) (launchSpec, error) {
	dir, err := os.MkdirTemp(cfg.TempRoot, "chrome_temp_")
	if err != nil {
		return launchSpec{}, fmt.Errorf("create temp profile: %w", err)
	}
	opts := visible(baseOptions(cfg))
	opts = append(opts,
		chromedp.UserDataDir(dir),
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
	)
	return launchSpec{opts: opts, profileDir: dir, ephemeral: true}, nil
}

func prepareHeadless(cfg Config) (launchSpec, error) {
	opts := baseOptions(cfg)
	opts = append(opts,
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-extensions", true),
		chromedp.DisableGPU,
	)
	return launchSpec{opts: opts}, nil
}
