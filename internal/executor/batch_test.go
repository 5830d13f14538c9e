package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatchStrideOwnsJustItsOwnIndexWhenArraySizeCoversTaskSize(t *testing.T) {
	assert.Equal(t, []int{3}, batchStride(3, 10, 10))
	assert.Equal(t, []int{3}, batchStride(3, 0, 10))
}

func TestBatchStrideWrapsAcrossTaskSizeWhenArrayIsSmaller(t *testing.T) {
	assert.Equal(t, []int{0, 3, 6, 9}, batchStride(0, 3, 11))
	assert.Equal(t, []int{1, 4, 7, 10}, batchStride(1, 3, 11))
	assert.Equal(t, []int{2, 5, 8}, batchStride(2, 3, 11))
}
