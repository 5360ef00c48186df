package testutil

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/agentstation/loom"
)

// Assert provides test assertions.
type Assert struct {
	t testing.TB
}

// NewAssert creates a new assert helper.
func NewAssert(t testing.TB) *Assert {
	return &Assert{t: t}
}

// Equal asserts that two values are equal.
func (a *Assert) Equal(expected, actual any, msgAndArgs ...any) {
	a.t.Helper()
	if !reflect.DeepEqual(expected, actual) {
		a.fail(fmt.Sprintf("Expected: %#v\nActual: %#v", expected, actual), msgAndArgs...)
	}
}

// NotEqual asserts that two values are not equal.
func (a *Assert) NotEqual(expected, actual any, msgAndArgs ...any) {
	a.t.Helper()
	if reflect.DeepEqual(expected, actual) {
		a.fail(fmt.Sprintf("Expected values to differ, both were: %v", actual), msgAndArgs...)
	}
}

// Nil asserts that a value is nil.
func (a *Assert) Nil(value any, msgAndArgs ...any) {
	a.t.Helper()
	if !isNil(value) {
		a.fail(fmt.Sprintf("Expected nil, got: %v", value), msgAndArgs...)
	}
}

// NotNil asserts that a value is not nil.
func (a *Assert) NotNil(value any, msgAndArgs ...any) {
	a.t.Helper()
	if isNil(value) {
		a.fail("Expected non-nil value", msgAndArgs...)
	}
}

// True asserts that a value is true.
func (a *Assert) True(value bool, msgAndArgs ...any) {
	a.t.Helper()
	if !value {
		a.fail("Expected true", msgAndArgs...)
	}
}

// False asserts that a value is false.
func (a *Assert) False(value bool, msgAndArgs ...any) {
	a.t.Helper()
	if value {
		a.fail("Expected false", msgAndArgs...)
	}
}

// Error asserts that an error occurred.
func (a *Assert) Error(err error, msgAndArgs ...any) {
	a.t.Helper()
	if err == nil {
		a.fail("Expected error, got nil", msgAndArgs...)
	}
}

// NoError asserts that no error occurred.
func (a *Assert) NoError(err error, msgAndArgs ...any) {
	a.t.Helper()
	if err != nil {
		a.fail(fmt.Sprintf("Expected no error, got: %v", err), msgAndArgs...)
	}
}

// ErrorIs asserts that err matches target under errors.Is.
func (a *Assert) ErrorIs(err, target error, msgAndArgs ...any) {
	a.t.Helper()
	if !errors.Is(err, target) {
		a.fail(fmt.Sprintf("Expected error matching %v, got: %v", target, err), msgAndArgs...)
	}
}

// ErrorAs asserts that err matches target under errors.As.
func (a *Assert) ErrorAs(err error, target any, msgAndArgs ...any) {
	a.t.Helper()
	if err == nil || !errors.As(err, target) {
		a.fail(fmt.Sprintf("Expected error of type %T, got: %v", target, err), msgAndArgs...)
	}
}

// Contains asserts that a string contains a substring.
func (a *Assert) Contains(s, substr string, msgAndArgs ...any) {
	a.t.Helper()
	if !strings.Contains(s, substr) {
		a.fail(fmt.Sprintf("Expected %q to contain %q", s, substr), msgAndArgs...)
	}
}

// Len asserts the length of a collection.
func (a *Assert) Len(collection any, length int, msgAndArgs ...any) {
	a.t.Helper()
	if actual := getLen(collection); actual != length {
		a.fail(fmt.Sprintf("Expected length %d, got %d", length, actual), msgAndArgs...)
	}
}

// Empty asserts that a collection is empty.
func (a *Assert) Empty(collection any, msgAndArgs ...any) {
	a.t.Helper()
	if n := getLen(collection); n != 0 {
		a.fail(fmt.Sprintf("Expected empty collection, got length %d", n), msgAndArgs...)
	}
}

// Eventually asserts that a condition becomes true within a timeout.
func (a *Assert) Eventually(condition func() bool, timeout time.Duration, msgAndArgs ...any) {
	a.t.Helper()

	deadline := time.Now().Add(timeout)
	interval := max(timeout/100, time.Millisecond)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(interval)
	}
	a.fail("Condition did not become true within timeout", msgAndArgs...)
}

// InDelta asserts that two floats are within a delta.
func (a *Assert) InDelta(expected, actual, delta float64, msgAndArgs ...any) {
	a.t.Helper()
	diff := expected - actual
	if diff < 0 {
		diff = -diff
	}
	if diff > delta {
		a.fail(fmt.Sprintf("Expected %f ± %f, got %f", expected, delta, actual), msgAndArgs...)
	}
}

// Status asserts the status of a node within a run.
func (a *Assert) Status(run *loom.Run, nodeID string, want loom.NodeStatus, msgAndArgs ...any) {
	a.t.Helper()
	o, ok := run.Outcome(nodeID)
	if !ok {
		a.fail(fmt.Sprintf("Run %s has no node %q", run.ID, nodeID), msgAndArgs...)
		return
	}
	if o.Status != want {
		detail := ""
		if o.Error != nil {
			detail = fmt.Sprintf(" (%s: %s)", o.Error.Kind, o.Error.Message)
		}
		a.fail(fmt.Sprintf("Node %s: expected %s, got %s%s", nodeID, want, o.Status, detail), msgAndArgs...)
	}
}

func (a *Assert) fail(message string, msgAndArgs ...any) {
	a.t.Helper()
	if len(msgAndArgs) > 0 {
		if format, ok := msgAndArgs[0].(string); ok && len(msgAndArgs) > 1 {
			message = fmt.Sprintf(format, msgAndArgs[1:]...) + "\n" + message
		} else {
			message = fmt.Sprintf("%v\n%s", msgAndArgs[0], message)
		}
	}
	a.t.Fatal(message)
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	}
	return false
}

func getLen(value any) int {
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Array, reflect.Chan, reflect.Map, reflect.Slice, reflect.String:
		return v.Len()
	default:
		panic(fmt.Sprintf("cannot get length of type %T", value))
	}
}
