package main

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"
)

// enterNetns switches the calling thread into the named namespace. Sockets
// opened before restore is called stay in that namespace.
func enterNetns(name string) (restore func() error, err error) {
	// Lock OS thread to ensure we don't switch namespaces on other goroutines
	runtime.LockOSThread()

	origns, err := netns.Get()
	if err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("failed to get original netns: %w", err)
	}

	newns, err := netns.GetFromName(name)
	if err != nil {
		origns.Close()
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("failed to open netns %s: %w", name, err)
	}
	defer newns.Close()

	if err := netns.Set(newns); err != nil {
		origns.Close()
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("failed to enter netns %s: %w", name, err)
	}

	return func() error {
		defer runtime.UnlockOSThread()
		defer origns.Close()
		if err := netns.Set(origns); err != nil {
			return fmt.Errorf("failed to switch back to original ns: %w", err)
		}
		return nil
	}, nil
}

// inNetns runs fn inside the named namespace, or in the current one when
// name is empty.
func inNetns(name string, fn func() error) error {
	if name == "" {
		return fn()
	}
	restore, err := enterNetns(name)
	if err != nil {
		return err
	}
	fnErr := fn()
	if err := restore(); err != nil {
		return err
	}
	return fnErr
}
