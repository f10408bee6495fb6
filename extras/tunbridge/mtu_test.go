package tunbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateMTU(t *testing.T) {
	tests := []struct {
		wan  int
		want int
	}{
		{1500, 1460},
		{1492, 1452},
		{1280, 1240},
		{600, 576},
		{576, 576},
		{9000, 1500},
		{1540, 1500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CalculateMTU(tt.wan), "wan %d", tt.wan)
	}
}

func TestAutoMTUFallback(t *testing.T) {
	assert.Equal(t, 1460, AutoMTU(nil))
}
