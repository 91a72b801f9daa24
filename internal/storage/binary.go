package storage

import (
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"nnvisual/internal/engine"
	"nnvisual/internal/model"
)

// Checkpoint wire fields.
const (
	fieldSchemaVersion protowire.Number = 1
	fieldCodecVersion  protowire.Number = 2
	fieldArchitecture  protowire.Number = 3
	fieldConfig        protowire.Number = 4
	fieldSteps         protowire.Number = 5
	fieldTensor        protowire.Number = 6
)

// Tensor wire fields.
const (
	fieldTensorName  protowire.Number = 1
	fieldTensorLayer protowire.Number = 2
	fieldTensorKind  protowire.Number = 3
	fieldTensorShape protowire.Number = 4
	fieldTensorData  protowire.Number = 5
)

// EncodeCheckpointBinary writes cp as a protobuf message. Weights are packed
// fixed64 so a round trip is bit-exact.
func EncodeCheckpointBinary(cp engine.Checkpoint) ([]byte, error) {
	config, err := json.Marshal(cp.Config)
	if err != nil {
		return nil, err
	}
	var b []byte
	b = protowire.AppendTag(b, fieldSchemaVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(cp.SchemaVersion))
	b = protowire.AppendTag(b, fieldCodecVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(cp.CodecVersion))
	b = protowire.AppendTag(b, fieldArchitecture, protowire.BytesType)
	b = protowire.AppendString(b, string(cp.Architecture))
	b = protowire.AppendTag(b, fieldConfig, protowire.BytesType)
	b = protowire.AppendBytes(b, config)
	b = protowire.AppendTag(b, fieldSteps, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(cp.Steps))
	for _, t := range cp.Tensors {
		if err := checkTensor(t); err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTensor(t))
	}
	return b, nil
}

func encodeTensor(t engine.Tensor) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTensorName, protowire.BytesType)
	b = protowire.AppendString(b, t.Name)
	b = protowire.AppendTag(b, fieldTensorLayer, protowire.BytesType)
	b = protowire.AppendString(b, t.Layer)
	b = protowire.AppendTag(b, fieldTensorKind, protowire.BytesType)
	b = protowire.AppendString(b, t.Kind)

	var shape []byte
	for _, d := range t.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, fieldTensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 8*len(t.Data))
	for _, v := range t.Data {
		data = protowire.AppendFixed64(data, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, fieldTensorData, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

func DecodeCheckpointBinary(b []byte) (engine.Checkpoint, error) {
	var cp engine.Checkpoint
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return engine.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldSchemaVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return engine.Checkpoint{}, fmt.Errorf("decode schema version: %w", protowire.ParseError(n))
			}
			cp.SchemaVersion = int(v)
			b = b[n:]
		case num == fieldCodecVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return engine.Checkpoint{}, fmt.Errorf("decode codec version: %w", protowire.ParseError(n))
			}
			cp.CodecVersion = int(v)
			b = b[n:]
		case num == fieldArchitecture && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return engine.Checkpoint{}, fmt.Errorf("decode architecture: %w", protowire.ParseError(n))
			}
			cp.Architecture = model.Architecture(v)
			b = b[n:]
		case num == fieldConfig && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return engine.Checkpoint{}, fmt.Errorf("decode config: %w", protowire.ParseError(n))
			}
			if err := json.Unmarshal(v, &cp.Config); err != nil {
				return engine.Checkpoint{}, fmt.Errorf("decode config: %w", err)
			}
			b = b[n:]
		case num == fieldSteps && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return engine.Checkpoint{}, fmt.Errorf("decode steps: %w", protowire.ParseError(n))
			}
			cp.Steps = int(v)
			b = b[n:]
		case num == fieldTensor && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return engine.Checkpoint{}, fmt.Errorf("decode tensor: %w", protowire.ParseError(n))
			}
			t, err := decodeTensor(v)
			if err != nil {
				return engine.Checkpoint{}, err
			}
			cp.Tensors = append(cp.Tensors, t)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return engine.Checkpoint{}, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if err := checkVersion(cp.VersionedRecord); err != nil {
		return engine.Checkpoint{}, err
	}
	return cp, nil
}

func decodeTensor(b []byte) (engine.Tensor, error) {
	var t engine.Tensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return engine.Tensor{}, fmt.Errorf("decode tensor: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return engine.Tensor{}, fmt.Errorf("skip tensor field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return engine.Tensor{}, fmt.Errorf("decode tensor field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldTensorName:
			t.Name = string(v)
		case fieldTensorLayer:
			t.Layer = string(v)
		case fieldTensorKind:
			t.Kind = string(v)
		case fieldTensorShape:
			for len(v) > 0 {
				d, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return engine.Tensor{}, fmt.Errorf("decode tensor shape: %w", protowire.ParseError(n))
				}
				t.Shape = append(t.Shape, int(d))
				v = v[n:]
			}
		case fieldTensorData:
			if len(v)%8 != 0 {
				return engine.Tensor{}, fmt.Errorf("tensor %s data is %d bytes, not a multiple of 8", t.Name, len(v))
			}
			t.Data = make([]float64, 0, len(v)/8)
			for len(v) > 0 {
				bits, n := protowire.ConsumeFixed64(v)
				if n < 0 {
					return engine.Tensor{}, fmt.Errorf("decode tensor data: %w", protowire.ParseError(n))
				}
				t.Data = append(t.Data, math.Float64frombits(bits))
				v = v[n:]
			}
		}
	}
	if err := checkTensor(t); err != nil {
		return engine.Tensor{}, err
	}
	return t, nil
}

func checkTensor(t engine.Tensor) error {
	size := 1
	for _, d := range t.Shape {
		if d <= 0 {
			return fmt.Errorf("tensor %s has invalid shape %v", t.Name, t.Shape)
		}
		size *= d
	}
	if len(t.Shape) == 0 || size != len(t.Data) {
		return fmt.Errorf("tensor %s shape %v does not match %d values", t.Name, t.Shape, len(t.Data))
	}
	return nil
}
