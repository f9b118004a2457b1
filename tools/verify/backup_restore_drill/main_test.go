package main

import (
	"context"
	"testing"
)

func TestDrill(t *testing.T) {
	if err := drill(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("drill: %v", err)
	}
}
