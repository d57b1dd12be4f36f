// rtlink provides RTM_*LINK util

package rtlink

import (
	"context"

	"github.com/hkwi/nlmgr"
	"github.com/pkg/errors"
)

// SetUp sets IFF_UP on the link and waits until the kernel reports it.
func SetUp(ctx context.Context, hub *nlmgr.RtHub, watcher *Watcher, index int) (Link, error) {
	return setFlag(ctx, hub, watcher, index, IFF_UP, true)
}

// SetDown clears IFF_UP and waits until the kernel reports it.
func SetDown(ctx context.Context, hub *nlmgr.RtHub, watcher *Watcher, index int) (Link, error) {
	return setFlag(ctx, hub, watcher, index, IFF_UP, false)
}

func setFlag(ctx context.Context, hub *nlmgr.RtHub, watcher *Watcher, index int, flag IFF, on bool) (Link, error) {
	var value uint32
	if on {
		value = uint32(flag)
	}
	if err := hub.SetInterfaceFlags(index, value, uint32(flag)); err != nil {
		return Link{}, err
	}
	l, err := watcher.Wait(ctx, index, func(l Link) bool {
		return (l.Flags&flag != 0) == on
	})
	if err != nil {
		return l, errors.Wrapf(err, "link %d %s", index, flag)
	}
	return l, nil
}

// GetByName returns the link named name, asking the kernel for its index
// when the watcher has not seen it.
func GetByName(hub *nlmgr.RtHub, watcher *Watcher, name string) (Link, error) {
	if l, ok := watcher.ByName(name); ok {
		return l, nil
	}
	index := hub.GetInterfaceIndex(name)
	if index < 0 {
		return Link{}, errors.Wrapf(nlmgr.ErrLookupFailure, "link %q", name)
	}
	if l, ok := watcher.ByIndex(index); ok {
		return l, nil
	}
	return Link{Index: index, Name: name}, nil
}

func GetNameByIndex(watcher *Watcher, index int) (string, error) {
	if l, ok := watcher.ByIndex(index); ok && l.Name != "" {
		return l.Name, nil
	}
	return "", errors.Wrapf(nlmgr.ErrLookupFailure, "link %d", index)
}
