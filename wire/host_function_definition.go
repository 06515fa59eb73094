package wire

import "sort"

// HostFunctionDefinition describes one registered host function so the
// guest can validate a call before issuing it (§6).
type HostFunctionDefinition struct {
	Name           string
	ParameterTypes []ValueType
	ReturnType     ReturnType
}

func (d HostFunctionDefinition) encode(buf []byte) []byte {
	buf = putString(buf, d.Name)
	buf = putU32(buf, uint32(len(d.ParameterTypes)))
	for _, pt := range d.ParameterTypes {
		buf = append(buf, byte(pt))
	}
	buf = append(buf, byte(d.ReturnType))
	return buf
}

func decodeHostFunctionDefinition(r *reader) (HostFunctionDefinition, error) {
	name, err := r.string()
	if err != nil {
		return HostFunctionDefinition{}, err
	}
	count, err := r.u32()
	if err != nil {
		return HostFunctionDefinition{}, err
	}
	params := make([]ValueType, count)
	for i := range params {
		b, err := r.byte()
		if err != nil {
			return HostFunctionDefinition{}, err
		}
		params[i] = ValueType(b)
	}
	retByte, err := r.byte()
	if err != nil {
		return HostFunctionDefinition{}, err
	}
	return HostFunctionDefinition{Name: name, ParameterTypes: params, ReturnType: ReturnType(retByte)}, nil
}

// EncodeHostFunctionDefinitions sorts defs by name (so the guest can
// binary-search the table, §6) and serializes the resulting vector.
// The input slice is not mutated.
func EncodeHostFunctionDefinitions(defs []HostFunctionDefinition) []byte {
	sorted := make([]HostFunctionDefinition, len(defs))
	copy(sorted, defs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	buf := make([]byte, 0, 64*len(sorted))
	buf = putU32(buf, uint32(len(sorted)))
	for _, d := range sorted {
		buf = d.encode(buf)
	}
	return buf
}

func DecodeHostFunctionDefinitions(payload []byte) ([]HostFunctionDefinition, error) {
	r := newReader(payload)
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	defs := make([]HostFunctionDefinition, count)
	for i := range defs {
		d, err := decodeHostFunctionDefinition(r)
		if err != nil {
			return nil, err
		}
		defs[i] = d
	}
	return defs, nil
}
