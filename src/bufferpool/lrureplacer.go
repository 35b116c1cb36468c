package bufferpool

import (
	"errors"
	"sync"

	"github.com/Blackdeer1524/BlockDB/src/pkg/assert"
)

var ErrNoVictim = errors.New("no victim available")

const noFrame = -1

// lruLink threads one frame through the unpinned list by frame index.
type lruLink struct {
	newer, older int
	queued       bool
}

// LRUReplacer orders the unpinned frames of a pool with a fixed number of
// frames. The victim is the frame that was unpinned least recently.
type LRUReplacer struct {
	mu     sync.Mutex
	links  []lruLink
	newest int
	oldest int
	queued uint64
}

var _ Replacer = &LRUReplacer{}

// NewLRUReplacer accepts frame ids in [0, frames).
func NewLRUReplacer(frames uint64) *LRUReplacer {
	links := make([]lruLink, frames)
	for i := range links {
		links[i] = lruLink{newer: noFrame, older: noFrame}
	}

	return &LRUReplacer{
		links:  links,
		newest: noFrame,
		oldest: noFrame,
	}
}

// Pin takes frameID out of victim selection.
func (l *LRUReplacer) Pin(frameID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.checkFrame(frameID)
	if l.links[frameID].queued {
		l.detach(int(frameID))
	}
}

// Unpin makes frameID the most recently released frame. A frame that is
// already queued keeps its position.
func (l *LRUReplacer) Unpin(frameID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.checkFrame(frameID)

	id := int(frameID)
	if l.links[id].queued {
		return
	}

	l.links[id] = lruLink{newer: noFrame, older: l.newest, queued: true}
	if l.newest != noFrame {
		l.links[l.newest].newer = id
	} else {
		l.oldest = id
	}
	l.newest = id
	l.queued++
}

func (l *LRUReplacer) ChooseVictim() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.oldest == noFrame {
		return 0, ErrNoVictim
	}

	victim := l.oldest
	l.detach(victim)

	return uint64(victim), nil
}

func (l *LRUReplacer) GetSize() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.queued
}

// Snapshot lists unpinned frames from the next victim to the most recently
// unpinned one.
func (l *LRUReplacer) Snapshot() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := make([]uint64, 0, l.queued)
	for id := l.oldest; id != noFrame; id = l.links[id].newer {
		res = append(res, uint64(id))
	}

	return res
}

func (l *LRUReplacer) checkFrame(frameID uint64) {
	assert.Assert(frameID < uint64(len(l.links)), "frame %d is out of range [0, %d)", frameID, len(l.links))
}

// The caller must hold l.mu and id must be queued.
func (l *LRUReplacer) detach(id int) {
	link := l.links[id]

	if link.newer != noFrame {
		l.links[link.newer].older = link.older
	} else {
		l.newest = link.older
	}

	if link.older != noFrame {
		l.links[link.older].newer = link.newer
	} else {
		l.oldest = link.newer
	}

	l.links[id] = lruLink{newer: noFrame, older: noFrame}
	l.queued--
}
