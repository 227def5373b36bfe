package dic_test

import (
	"errors"
	"testing"

	"github.com/gogpu/dic"
	"github.com/gogpu/dic/internal/kernel"
	"github.com/gogpu/dic/internal/memory"
)

func TestErrorKinds(t *testing.T) {
	kinds := []error{dic.ErrIllegalTaskData, dic.ErrMemory, dic.ErrDevice, dic.ErrIO, dic.ErrStopped}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"invalid dimensions", dic.ErrInvalidDimensions, dic.ErrIllegalTaskData},
		{"data too small", dic.ErrDataTooSmall, dic.ErrIllegalTaskData},
		{"not prepared", kernel.ErrNotPrepared, dic.ErrIllegalTaskData},
		{"shape mismatch", kernel.ErrShapeMismatch, dic.ErrIllegalTaskData},
		{"out of memory", memory.ErrOutOfMemory, dic.ErrMemory},
		{"foreign buffer", memory.ErrForeignBuffer, dic.ErrDevice},
		{"buffer size", memory.ErrBufferSize, dic.ErrDevice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, kind := range kinds {
				if got := errors.Is(tt.err, kind); got != (kind == tt.want) {
					t.Errorf("errors.Is(%v, %v) = %v", tt.err, kind, got)
				}
			}
		})
	}
}
