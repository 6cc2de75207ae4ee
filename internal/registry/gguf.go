package registry

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

const ggufMagic = 0x46554747 // "GGUF" little-endian

// GGUFMeta is the subset of header metadata the loader cares about.
type GGUFMeta struct {
	Version      uint32
	TensorCount  uint64
	Architecture string
	Name         string
	FileType     string
	BlockCount   int
}

// gguf value types
const (
	ggufU8 uint32 = iota
	ggufI8
	ggufU16
	ggufI16
	ggufU32
	ggufI32
	ggufF32
	ggufBool
	ggufString
	ggufArray
	ggufU64
	ggufI64
	ggufF64
)

var fileTypeNames = map[uint64]string{
	0: "F32", 1: "F16", 2: "Q4_0", 3: "Q4_1", 7: "Q8_0", 8: "Q5_0", 9: "Q5_1",
	10: "Q2_K", 11: "Q3_K_S", 12: "Q3_K_M", 13: "Q3_K_L", 14: "Q4_K_S", 15: "Q4_K_M",
	16: "Q5_K_S", 17: "Q5_K_M", 18: "Q6_K", 32: "BF16",
}

// ReadGGUF parses the key/value header of a GGUF file. Array values (vocab etc.) are skipped.
func ReadGGUF(path string) (GGUFMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return GGUFMeta{}, err
	}
	defer f.Close()
	return readGGUF(bufio.NewReaderSize(f, 1<<16))
}

func readGGUF(r io.Reader) (GGUFMeta, error) {
	var meta GGUFMeta
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return meta, fmt.Errorf("gguf magic: %w", err)
	}
	if magic != ggufMagic {
		return meta, errors.New("not a gguf file")
	}
	var kvCount uint64
	for _, v := range []any{&meta.Version, &meta.TensorCount, &kvCount} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return meta, fmt.Errorf("gguf header: %w", err)
		}
	}
	if meta.Version < 2 {
		return meta, fmt.Errorf("gguf version %d unsupported", meta.Version)
	}
	ints := map[string]uint64{}
	for i := uint64(0); i < kvCount; i++ {
		key, err := readString(r)
		if err != nil {
			return meta, fmt.Errorf("gguf key %d: %w", i, err)
		}
		var typ uint32
		if err := binary.Read(r, binary.LittleEndian, &typ); err != nil {
			return meta, err
		}
		val, err := readValue(r, typ)
		if err != nil {
			return meta, fmt.Errorf("gguf %s: %w", key, err)
		}
		switch v := val.(type) {
		case string:
			switch key {
			case "general.architecture":
				meta.Architecture = v
			case "general.name":
				meta.Name = v
			}
		case uint64:
			ints[key] = v
		}
	}
	if ft, ok := ints["general.file_type"]; ok {
		meta.FileType = fileTypeNames[ft]
		if meta.FileType == "" {
			meta.FileType = fmt.Sprintf("type_%d", ft)
		}
	}
	if meta.Architecture != "" {
		meta.BlockCount = int(ints[meta.Architecture+".block_count"])
	}
	return meta, nil
}

func readString(r io.Reader) (string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > 1<<24 {
		return "", fmt.Errorf("string length %d too large", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// readValue returns strings as string, non-negative integers as uint64 and discards the rest.
func readValue(r io.Reader, typ uint32) (any, error) {
	switch typ {
	case ggufU8, ggufI8, ggufBool:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(v), err
	case ggufU16, ggufI16:
		var v uint16
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(v), err
	case ggufU32, ggufI32:
		var v uint32
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(v), err
	case ggufF32:
		var v uint32
		err := binary.Read(r, binary.LittleEndian, &v)
		return math.Float32frombits(v), err
	case ggufU64, ggufI64:
		var v uint64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufF64:
		var v uint64
		err := binary.Read(r, binary.LittleEndian, &v)
		return math.Float64frombits(v), err
	case ggufString:
		return readString(r)
	case ggufArray:
		var elem uint32
		var n uint64
		if err := binary.Read(r, binary.LittleEndian, &elem); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		for i := uint64(0); i < n; i++ {
			if _, err := readValue(r, elem); err != nil {
				return nil, err
			}
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown value type %d", typ)
	}
}
