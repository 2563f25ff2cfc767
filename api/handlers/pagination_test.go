package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		defLimit   int
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "/x", 50, 50, 0},
		{"zero default falls back", "/x", 0, DefaultLimit, 0},
		{"explicit limit and offset", "/x?limit=10&offset=30", 50, 10, 30},
		{"limit capped at max", "/x?limit=99999", 50, MaxLimit, 0},
		{"negative limit ignored", "/x?limit=-5", 50, 50, 0},
		{"negative offset ignored", "/x?offset=-5", 50, 50, 0},
		{"garbage ignored", "/x?limit=abc&offset=xyz", 50, 50, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			page := ParsePagination(req, tt.defLimit)

			if page.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", page.Limit, tt.wantLimit)
			}
			if page.Offset != tt.wantOffset {
				t.Errorf("Offset = %d, want %d", page.Offset, tt.wantOffset)
			}
		})
	}
}

func TestNewPaginatedResponse(t *testing.T) {
	page := PaginationParams{Limit: 3, Offset: 6}

	full := NewPaginatedResponse([]int{1, 2, 3}, page)
	if full.Count != 3 {
		t.Errorf("Count = %d, want 3", full.Count)
	}
	if !full.HasMore {
		t.Error("full page should report HasMore")
	}
	if full.Offset != 6 {
		t.Errorf("Offset = %d, want 6", full.Offset)
	}

	partial := NewPaginatedResponse([]int{1}, page)
	if partial.HasMore {
		t.Error("partial page should not report HasMore")
	}
}
