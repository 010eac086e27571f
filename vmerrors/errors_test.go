package vmerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/colorfulnotion/vmcore/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodeAndName(t *testing.T) {
	assert.Equal(t, "X1", GetErrorCode(ErrUnsupportedInstruction))
	assert.Equal(t, "UnsupportedInstruction", GetErrorName(ErrUnsupportedInstruction))
	assert.Equal(t, "K3_VersionMismatch", GetErrorCodeWithName(ErrVersionMismatch))
	assert.Equal(t, "No Error", GetErrorName(nil))
	assert.Equal(t, "", GetErrorCode(errors.New("plain")))
}

func TestTranslationErrorUnwrap(t *testing.T) {
	inst := &types.Instruction{Arch: types.ArchX86_64, PC: 0x1000, Len: 2, Opcode: types.CPUID}
	err := NewTranslationError(ErrUnsupportedInstruction, 3, inst, "no rule")
	wrapped := fmt.Errorf("block 0x1000: %w", err)

	require.ErrorIs(t, wrapped, ErrUnsupportedInstruction)
	var te *TranslationError
	require.ErrorAs(t, wrapped, &te)
	assert.Equal(t, 3, te.Index)
	assert.Contains(t, err.Error(), "UnsupportedInstruction")
	assert.Contains(t, err.Error(), "cpuid")
	assert.Equal(t, CategoryTranslation, Category(wrapped))
}

func TestCategory(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCategory
	}{
		{nil, CategoryNone},
		{ErrInvalidOperand, CategoryTranslation},
		{&CompilationError{Tier: types.TierOptimized, Addr: 0x10, Err: ErrGeneratorExhausted}, CategoryCompilation},
		{fmt.Errorf("load: %w", ErrCorruptedMetadata), CategoryCache},
		{fmt.Errorf("flush: %w", ErrPersist), CategoryIO},
		{ErrMemoryFault, CategoryGuest},
		{errors.New("boom"), CategoryOther},
	}
	for _, c := range cases {
		if got := Category(c.err); got != c.want {
			t.Fatalf("Category(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}
