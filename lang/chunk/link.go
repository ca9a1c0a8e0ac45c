package chunk

import "encoding/binary"

// Link resolves every label-ref in c against the label defs it also carries,
// patching each placeholder with target_offset - (ref_offset + 1), exactly
// as spec.md §4.4 and testable property 4 require, and returns the final
// flat byte slice. A label-ref whose label was never defined is a
// compiler bug, not a user error, and is reported as a LinkError.
func Link(c *Chunk) ([]byte, error) {
	defs := make(map[Label]int, len(c.labelDefs))
	for _, d := range c.labelDefs {
		defs[d.Label] = d.Offset
	}

	code := append([]byte(nil), c.Bytes...)
	for _, r := range c.labelRefs {
		target, ok := defs[r.Label]
		if !ok {
			return nil, &LinkError{Label: r.Label}
		}
		k := int32(target - (r.Offset + 1))
		binary.LittleEndian.PutUint32(code[r.Offset:], uint32(k))
	}
	return code, nil
}

// ModuleResolver maps a (module, export) reference to the encoded index the
// VM uses to find that export, once every module in a build has been
// compiled (lang/builder).
type ModuleResolver func(module, export string) (uint32, error)

// ResolveModuleRefs patches every module-ref placeholder in code (as
// produced by Link) using resolve, consulting the same offsets recorded in
// c. It must run after Link, against Link's output, since code length never
// changes between the two passes (both use fixed-width placeholders).
func ResolveModuleRefs(c *Chunk, code []byte, resolve ModuleResolver) error {
	for _, r := range c.modRefs {
		idx, err := resolve(r.Module, r.Export)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(code[r.Offset:], idx)
	}
	return nil
}
