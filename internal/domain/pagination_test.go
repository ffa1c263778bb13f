package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		req        PageRequest
		wantLimit  int
		wantOffset int
	}{
		{name: "zero value", req: PageRequest{}, wantLimit: DefaultPageSize, wantOffset: 0},
		{name: "third page", req: PageRequest{Page: 3, PageSize: 10}, wantLimit: 10, wantOffset: 20},
		{name: "clamped size", req: PageRequest{Page: 2, PageSize: 500}, wantLimit: MaxPageSize, wantOffset: MaxPageSize},
		{name: "negative page", req: PageRequest{Page: -4, PageSize: 5}, wantLimit: 5, wantOffset: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.wantLimit, tt.req.Limit())
			assert.Equal(t, tt.wantOffset, tt.req.Offset())
		})
	}
}
