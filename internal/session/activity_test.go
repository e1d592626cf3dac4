package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActivityOutputClassification(t *testing.T) {
	d := NewActivityDetector(nil)
	defer d.Dispose()

	assert.Equal(t, ActivityUnknown, d.State())

	d.ObserveOutput([]byte("Thinking about the problem..."))
	assert.Equal(t, ActivityActive, d.State())

	d.ObserveOutput([]byte("Do you want to apply this edit? (y/n)"))
	assert.Equal(t, ActivityAsking, d.State())

	d.ObserveOutput([]byte("Running tests"))
	assert.Equal(t, ActivityActive, d.State())
}

func TestActivityUnclassifiedOutputWakesWorker(t *testing.T) {
	d := NewActivityDetector(nil)
	defer d.Dispose()

	d.ObserveOutput([]byte("some terminal noise"))
	assert.Equal(t, ActivityActive, d.State())
}

func TestActivityTypingSuppressesAsking(t *testing.T) {
	d := NewActivityDetector(nil)
	defer d.Dispose()

	d.ObserveOutput([]byte("Thinking"))
	d.ObserveInput([]byte("y"))
	d.ObserveOutput([]byte("Do you want to proceed?"))
	assert.Equal(t, ActivityActive, d.State(), "prompt seen mid-keystroke does not flag asking")

	// Carriage return ends the suppression window.
	d.ObserveInput([]byte("\r"))
	d.ObserveOutput([]byte("Do you want to proceed?"))
	assert.Equal(t, ActivityAsking, d.State())
}

func TestActivityChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var seen []ActivityState

	d := NewActivityDetector(func(s ActivityState) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer d.Dispose()

	d.ObserveOutput([]byte("Thinking"))
	d.ObserveOutput([]byte("Thinking harder")) // re-entry, no callback

	mu.Lock()
	assert.Equal(t, []ActivityState{ActivityActive}, seen)
	mu.Unlock()
}

func TestActivityDisposedIgnoresObservations(t *testing.T) {
	d := NewActivityDetector(func(ActivityState) {
		t.Fatal("callback after dispose")
	})

	d.Dispose()
	d.ObserveOutput([]byte("Thinking"))
	d.ObserveInput([]byte("x"))
	assert.Equal(t, ActivityUnknown, d.State())
}
