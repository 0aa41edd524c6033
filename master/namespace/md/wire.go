package md

import (
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/util"
)

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendTimespec(b []byte, num protowire.Number, ts util.Timespec) []byte {
	if ts.IsZero() {
		return b
	}
	var sub []byte
	sub = appendVarint(sub, 1, protowire.EncodeZigZag(ts.Sec))
	sub = appendVarint(sub, 2, uint64(ts.Nsec))
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

func appendPacked(b []byte, num protowire.Number, vs []uint32) []byte {
	if len(vs) == 0 {
		return b
	}
	var sub []byte
	for _, v := range vs {
		sub = protowire.AppendVarint(sub, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

// xattrs are encoded sorted by key so that equal maps encode equally
func appendXattrs(b []byte, num protowire.Number, m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var sub []byte
		sub = protowire.AppendTag(sub, 1, protowire.BytesType)
		sub = protowire.AppendString(sub, k)
		sub = protowire.AppendTag(sub, 2, protowire.BytesType)
		sub = protowire.AppendString(sub, m[k])
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	return b
}

func corrupted(what string, n int) error {
	return apierrors.Wrapf(apierrors.ErrCorrupted, "%s: %v", what, protowire.ParseError(n))
}

// decoder walks the fields of a message, unknown fields are skipped.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) next() (protowire.Number, protowire.Type, bool) {
	if d.err != nil || len(d.b) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(d.b)
	if n < 0 {
		d.err = corrupted("tag", n)
		return 0, 0, false
	}
	d.b = d.b[n:]
	return num, typ, true
}

func (d *decoder) skip(num protowire.Number, typ protowire.Type) {
	n := protowire.ConsumeFieldValue(num, typ, d.b)
	if n < 0 {
		d.err = corrupted("skip field", n)
		return
	}
	d.b = d.b[n:]
}

func (d *decoder) varint(typ protowire.Type) uint64 {
	if typ != protowire.VarintType {
		d.err = apierrors.Wrapf(apierrors.ErrCorrupted, "wire type %d, expected varint", typ)
		return 0
	}
	v, n := protowire.ConsumeVarint(d.b)
	if n < 0 {
		d.err = corrupted("varint", n)
		return 0
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) bytes(typ protowire.Type) []byte {
	if typ != protowire.BytesType {
		d.err = apierrors.Wrapf(apierrors.ErrCorrupted, "wire type %d, expected bytes", typ)
		return nil
	}
	v, n := protowire.ConsumeBytes(d.b)
	if n < 0 {
		d.err = corrupted("bytes", n)
		return nil
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) copyBytes(typ protowire.Type) []byte {
	v := d.bytes(typ)
	if len(v) == 0 {
		return nil
	}
	return append([]byte(nil), v...)
}

func (d *decoder) timespec(typ protowire.Type) (ts util.Timespec) {
	sub := decoder{b: d.bytes(typ)}
	for {
		num, t, ok := sub.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			ts.Sec = protowire.DecodeZigZag(sub.varint(t))
		case 2:
			ts.Nsec = int64(sub.varint(t))
		default:
			sub.skip(num, t)
		}
	}
	if sub.err != nil && d.err == nil {
		d.err = sub.err
	}
	return
}

func (d *decoder) packed(typ protowire.Type, dst []uint32) []uint32 {
	b := d.bytes(typ)
	for len(b) > 0 && d.err == nil {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			d.err = corrupted("packed varint", n)
			return dst
		}
		if v > 0xffffffff {
			d.err = apierrors.Wrapf(apierrors.ErrCorrupted, "location %d out of range", v)
			return dst
		}
		dst = append(dst, uint32(v))
		b = b[n:]
	}
	return dst
}

func (d *decoder) xattr(typ protowire.Type, m map[string]string) map[string]string {
	sub := decoder{b: d.bytes(typ)}
	var k, v string
	for {
		num, t, ok := sub.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			k = string(sub.bytes(t))
		case 2:
			v = string(sub.bytes(t))
		default:
			sub.skip(num, t)
		}
	}
	if sub.err != nil {
		if d.err == nil {
			d.err = sub.err
		}
		return m
	}
	if m == nil {
		m = make(map[string]string)
	}
	m[k] = v
	return m
}
