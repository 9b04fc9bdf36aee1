package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordMutationTallies(t *testing.T) {
	m := NewMount()
	m.RecordMutation(true)
	m.RecordMutation(true)
	m.RecordMutation(false)

	snap := m.Snapshot()
	assert.Contains(t, snap, "mutations_ok=2")
	assert.Contains(t, snap, "mutations_failed=1")
}

func TestObserveMaterializeAndLockWaitAffectSnapshot(t *testing.T) {
	m := NewMount()
	m.ObserveMaterialize(5 * time.Millisecond)
	m.ObserveLockWait(2 * time.Millisecond)

	snap := m.Snapshot()
	assert.True(t, strings.Contains(snap, "materialize_p50=5ms"))
	assert.True(t, strings.Contains(snap, "lockwait_p50=2ms"))
}

func TestAddOverlayBytesReflectedInSnapshot(t *testing.T) {
	m := NewMount()
	m.AddOverlayBytes(1024)
	m.AddOverlayBytes(1024)

	snap := m.Snapshot()
	assert.Contains(t, snap, "overlay_bytes=2K")
}

func TestSnapshotOnFreshMountDoesNotPanic(t *testing.T) {
	m := NewMount()
	assert.NotPanics(t, func() {
		_ = m.Snapshot()
	})
}
