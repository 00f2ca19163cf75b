package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusAccepted, false},
		{StatusPending, StatusCompleted, false},
		{StatusAccepted, StatusCancelled, true},
		{StatusAccepted, StatusCompleted, true},
		{StatusAccepted, StatusPending, false},
		{StatusCancelled, StatusPending, false},
		{StatusCancelled, StatusAccepted, false},
		{StatusCompleted, StatusCancelled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestPredecessors(t *testing.T) {
	assert.Equal(t, []OrderStatus{StatusPending, StatusAccepted}, Predecessors(StatusCancelled))
	assert.Equal(t, []OrderStatus{StatusAccepted}, Predecessors(StatusCompleted))
	assert.Empty(t, Predecessors(StatusAccepted))
}

func TestOrderInvolves(t *testing.T) {
	driver := "d-1"
	o := &Order{ID: "1", CustomerID: "c-1"}
	assert.True(t, o.Involves("c-1"))
	assert.False(t, o.Involves("d-1"))
	assert.False(t, o.Involves(""))

	o.DriverID = &driver
	assert.True(t, o.Involves("d-1"))
	assert.Equal(t, "d-1", o.Driver())
	assert.False(t, o.Involves("d-2"))
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleDriver.Valid())
	assert.True(t, RoleCustomer.Valid())
	assert.False(t, Role("admin").Valid())
}
