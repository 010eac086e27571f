package vmerrors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/colorfulnotion/vmcore/types"
)

// Translation (X) Errors
var (
	ErrUnsupportedInstruction   = errors.New("X1|UnsupportedInstruction: Opcode has no translation rule for the target.")
	ErrRegisterMappingExhausted = errors.New("X2|RegisterMappingExhausted: Target has fewer registers than required live ranges.")
	ErrInvalidOperand           = errors.New("X3|InvalidOperand: Operand is malformed or not addressable.")
)

// Compilation (C) Errors
var (
	ErrGeneratorExhausted = errors.New("C1|GeneratorExhausted: Code generator ran out of resources.")
	ErrGeneratorFault     = errors.New("C2|GeneratorFault: Internal code generator fault.")
	ErrCompileCancelled   = errors.New("C3|CompileCancelled: Compilation job was cancelled.")
)

// Cache (K) Errors
var (
	ErrCapacityExceeded  = errors.New("K1|CapacityExceeded: Cache is over capacity despite eviction.")
	ErrCorruptedMetadata = errors.New("K2|CorruptedMetadata: Persisted metadata is corrupted.")
	ErrVersionMismatch   = errors.New("K3|VersionMismatch: Persisted metadata has an incompatible version.")
)

// I/O (I) Errors
var (
	ErrPersist     = errors.New("I1|PersistFailed: Metadata persistence failed.")
	ErrStoreClosed = errors.New("I2|StoreClosed: Metadata store is closed.")
)

// Guest (M) Errors
var (
	ErrMemoryFault = errors.New("M1|MemoryFault: Guest memory access out of range.")
	ErrGuestTrap   = errors.New("M2|GuestTrap: Guest executed a trapping instruction.")
	ErrNoBlock     = errors.New("M3|NoBlock: No decodable block at address.")
)

// TranslationError carries the failing instruction. Index is the position of
// the instruction inside the block, or -1 for block-level failures.
type TranslationError struct {
	Kind        error
	Index       int
	Instruction *types.Instruction
	Detail      string
}

func (e *TranslationError) Error() string {
	var sb strings.Builder
	sb.WriteString("translate: ")
	sb.WriteString(GetErrorName(e.Kind))
	if e.Instruction != nil {
		fmt.Fprintf(&sb, " at #%d (%s)", e.Index, e.Instruction.String())
	}
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	return sb.String()
}

func (e *TranslationError) Unwrap() error { return e.Kind }

// NewTranslationError builds a TranslationError for insts[idx].
func NewTranslationError(kind error, idx int, inst *types.Instruction, format string, args ...any) *TranslationError {
	return &TranslationError{Kind: kind, Index: idx, Instruction: inst, Detail: fmt.Sprintf(format, args...)}
}

// CompilationError is a failed compile of one block at one tier.
type CompilationError struct {
	Tier types.CompileTier
	Addr types.GuestAddress
	Err  error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compile %s at %s: %v", e.Addr, e.Tier, e.Err)
}

func (e *CompilationError) Unwrap() error { return e.Err }

type ErrorCategory uint8

const (
	CategoryNone ErrorCategory = iota
	CategoryTranslation
	CategoryCompilation
	CategoryCache
	CategoryIO
	CategoryGuest
	CategoryOther
)

var categoryNames = [...]string{"none", "translation", "compilation", "cache", "io", "guest", "other"}

func (c ErrorCategory) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return "unknown"
}

// Category classifies err by the code prefix of the sentinel it wraps.
func Category(err error) ErrorCategory {
	if err == nil {
		return CategoryNone
	}
	var te *TranslationError
	if errors.As(err, &te) {
		return CategoryTranslation
	}
	var ce *CompilationError
	if errors.As(err, &ce) {
		return CategoryCompilation
	}
	for _, s := range []struct {
		c    ErrorCategory
		errs []error
	}{
		{CategoryTranslation, []error{ErrUnsupportedInstruction, ErrRegisterMappingExhausted, ErrInvalidOperand}},
		{CategoryCompilation, []error{ErrGeneratorExhausted, ErrGeneratorFault, ErrCompileCancelled}},
		{CategoryCache, []error{ErrCapacityExceeded, ErrCorruptedMetadata, ErrVersionMismatch}},
		{CategoryIO, []error{ErrPersist, ErrStoreClosed}},
		{CategoryGuest, []error{ErrMemoryFault, ErrGuestTrap, ErrNoBlock}},
	} {
		for _, target := range s.errs {
			if errors.Is(err, target) {
				return s.c
			}
		}
	}
	return CategoryOther
}

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorCodeWithName returns the error code and name in the format "Code_ErrorName".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	name := GetErrorName(err)
	if code == "" || name == "" {
		return ""
	}
	return code + "_" + name
}
