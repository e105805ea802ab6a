package hotkey

import (
	"testing"
	"time"
)

func expectToggle(t *testing.T, tg *Toggle) {
	t.Helper()
	select {
	case <-tg.C():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for toggle")
	}
}

func expectNoToggle(t *testing.T, tg *Toggle) {
	t.Helper()
	select {
	case <-tg.C():
		t.Fatal("unexpected toggle")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTogglePerPress(t *testing.T) {
	fk := NewFake()
	tg := NewToggle(fk)
	defer tg.Stop()

	fk.SimKeydown()
	expectToggle(t, tg)
	fk.SimKeyup()

	fk.SimKeydown()
	expectToggle(t, tg)
	fk.SimKeyup()
}

func TestToggleIgnoresRepeat(t *testing.T) {
	fk := NewFake()
	tg := NewToggle(fk)
	defer tg.Stop()

	fk.SimKeydown()
	expectToggle(t, tg)
	fk.SimKeydown()
	fk.SimKeydown()
	expectNoToggle(t, tg)
	fk.SimKeyup()

	fk.SimKeydown()
	expectToggle(t, tg)
}

func TestToggleStop(t *testing.T) {
	fk := NewFake()
	tg := NewToggle(fk)
	tg.Stop()
	tg.Stop()

	select {
	case fk.keydown <- struct{}{}:
	default:
	}
	expectNoToggle(t, tg)
}
