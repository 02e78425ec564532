package kernel

import (
	"crypto/sha256"
	"fmt"
	"slices"

	"github.com/gogpu/dispatch/gpucore"
	"github.com/gogpu/dispatch/internal/cache"
	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"
	"github.com/gogpu/naga/spirv"
)

// compileCacheSize bounds the number of compiled programs kept in memory.
const compileCacheSize = 128

// reflection is what a WGSL module yields independent of kernel options.
type reflection struct {
	slots   []Slot
	entries []entryPoint
	spirv   []uint32
}

// compiled caches reflections with SPIR-V by source digest so that kernels
// built repeatedly from the same WGSL skip naga.
var compiled = cache.New[[sha256.Size]byte, *reflection](compileCacheSize)

// CompileWGSL compiles WGSL source to SPIR-V and reflects the kernel's
// compute entry points and buffer bindings from the same naga module.
func CompileWGSL(label, source string, opts ...Option) (*Kernel, error) {
	r, err := compiled.GetOrCreate(sha256.Sum256([]byte(source)), func() (*reflection, error) {
		module, err := lowerWGSL(source)
		if err != nil {
			return nil, err
		}
		r, err := reflectModule(module)
		if err != nil {
			return nil, err
		}
		if r.spirv, err = generateSPIRV(module); err != nil {
			return nil, err
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: %s: %w", label, err)
	}
	k := newWGSLKernel(label, source, r, opts)
	k.program.SPIRV = slices.Clone(r.spirv)
	return k.finish()
}

// ParseWGSL reflects a kernel from WGSL source without compiling it.
// The resulting kernel carries the source but no SPIR-V.
func ParseWGSL(label, source string, opts ...Option) (*Kernel, error) {
	module, err := lowerWGSL(source)
	if err != nil {
		return nil, fmt.Errorf("kernel: %s: %w", label, err)
	}
	r, err := reflectModule(module)
	if err != nil {
		return nil, fmt.Errorf("kernel: %s: %w", label, err)
	}
	return newWGSLKernel(label, source, r, opts).finish()
}

func newWGSLKernel(label, source string, r *reflection, opts []Option) *Kernel {
	k := &Kernel{
		label:   label,
		slots:   slices.Clone(r.slots),
		entries: slices.Clone(r.entries),
	}
	k.program.WGSL = source
	for _, opt := range opts {
		opt(k)
	}
	return k
}

func lowerWGSL(source string) (*ir.Module, error) {
	ast, err := naga.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompile, err)
	}
	module, err := naga.LowerWithSource(ast, source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompile, err)
	}
	return module, nil
}

// reflectModule collects bound globals and compute entry points.
// The lowered workgroup size is the one the generated code declares, so
// every compute entry point is fixed.
func reflectModule(module *ir.Module) (*reflection, error) {
	r := &reflection{}
	seen := make(map[ir.ResourceBinding]bool)
	for _, gv := range module.GlobalVariables {
		if gv.Binding == nil {
			continue
		}
		if seen[*gv.Binding] {
			return nil, fmt.Errorf("%w: var %s: group %d index %d", ErrDuplicateSlot, gv.Name, gv.Binding.Group, gv.Binding.Binding)
		}
		seen[*gv.Binding] = true
		typ, err := slotType(gv)
		if err != nil {
			return nil, fmt.Errorf("%w: var %s: %w", ErrUnsupportedBinding, gv.Name, err)
		}
		arity := uint32(1)
		if int(gv.Type) < len(module.Types) {
			if ba, ok := module.Types[gv.Type].Inner.(ir.BindingArrayType); ok {
				if ba.Size == nil {
					return nil, fmt.Errorf("%w: var %s: unbounded binding array", ErrUnsupportedBinding, gv.Name)
				}
				arity = *ba.Size
			}
		}
		r.slots = append(r.slots, Slot{
			Group: gv.Binding.Group,
			Index: gv.Binding.Binding,
			Type:  typ,
			Arity: arity,
		})
	}

	for _, ep := range module.EntryPoints {
		if ep.Stage != ir.StageCompute {
			continue
		}
		r.entries = append(r.entries, entryPoint{name: ep.Name, size: ep.Workgroup, fixed: true})
	}
	return r, nil
}

func slotType(gv ir.GlobalVariable) (gpucore.SlotType, error) {
	switch gv.Space {
	case ir.SpaceUniform:
		return gpucore.SlotUniform, nil
	case ir.SpaceStorage:
		if gv.Access == ir.StorageRead {
			return gpucore.SlotReadOnlyStorage, nil
		}
		return gpucore.SlotStorage, nil
	default:
		return 0, fmt.Errorf("address space %d", gv.Space)
	}
}

// generateSPIRV validates the module and emits little-endian SPIR-V words.
func generateSPIRV(module *ir.Module) ([]uint32, error) {
	errs, err := naga.Validate(module)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompile, err)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrCompile, &errs[0])
	}
	spirvBytes, err := naga.GenerateSPIRV(module, spirv.Options{Version: spirv.Version1_3})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompile, err)
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("%w: spir-v length %d is not word aligned", ErrCompile, len(spirvBytes))
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}
