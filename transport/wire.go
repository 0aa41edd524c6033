package transport

import (
	"google.golang.org/protobuf/encoding/protowire"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/proto"
)

// Every message is a protobuf message without a generated descriptor:
// fields are numbered from 1 in struct order and zero values are omitted.

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	return appendUint(b, num, protowire.EncodeZigZag(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendUint(b, num, protowire.EncodeBool(v))
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

func appendReplicaInfo(b []byte, ri *proto.ReplicaInfo) []byte {
	b = appendUint(b, 1, ri.Fid)
	b = appendUint(b, 2, uint64(ri.Fsid))
	b = appendUint(b, 3, ri.Size)
	b = appendUint(b, 4, ri.DiskSize)
	b = appendBytes(b, 5, ri.Checksum)
	b = appendBytes(b, 6, ri.DiskChecksum)
	b = appendUint(b, 7, ri.MgmSize)
	b = appendBytes(b, 8, ri.MgmChecksum)
	b = appendInt(b, 9, ri.MTime)
	return appendUint(b, 10, uint64(ri.LayoutError))
}

func appendSub(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

func marshalMessage(v interface{}) ([]byte, error) {
	var b []byte
	switch m := v.(type) {
	case *Empty:
	case *ReplicaArgs:
		b = appendUint(b, 1, m.Fid)
		b = appendUint(b, 2, uint64(m.Fsid))
	case *StageRemoveArgs:
		b = appendUint(b, 1, m.Fid)
		b = appendUint(b, 2, uint64(m.Fsid))
		b = appendUint(b, 3, uint64(m.Uid))
		b = appendUint(b, 4, uint64(m.Gid))
	case *ListReplicasArgs:
		b = appendUint(b, 1, uint64(m.Fsid))
		b = appendUint(b, 2, m.Marker)
		b = appendInt(b, 3, int64(m.Count))
	case *ListReplicasRet:
		for i := range m.Replicas {
			b = appendSub(b, 1, appendReplicaInfo(nil, &m.Replicas[i]))
		}
		b = appendUint(b, 2, m.Next)
	case *ReadReplicaArgs:
		b = appendUint(b, 1, m.Fid)
		b = appendUint(b, 2, uint64(m.Fsid))
		b = appendInt(b, 3, m.Offset)
		b = appendInt(b, 4, m.Size)
	case *ReadReplicaRet:
		b = appendBytes(b, 1, m.Data)
		b = appendBool(b, 2, m.EOF)
	case *WriteReplicaArgs:
		b = appendUint(b, 1, m.Fid)
		b = appendUint(b, 2, uint64(m.Fsid))
		b = appendUint(b, 3, uint64(m.LayoutID))
		b = appendBytes(b, 4, m.Data)
		b = appendBytes(b, 5, m.Checksum)
	case *CopyReplicaArgs:
		b = appendUint(b, 1, m.Fid)
		b = appendUint(b, 2, uint64(m.LayoutID))
		b = appendUint(b, 3, uint64(m.SrcFsid))
		b = appendString(b, 4, m.SrcAddr)
		b = appendUint(b, 5, uint64(m.DstFsid))
		b = appendUint(b, 6, m.MgmSize)
		b = appendBytes(b, 7, m.MgmChecksum)
	case *UpdateReplicaMetaArgs:
		b = appendUint(b, 1, m.Fid)
		b = appendUint(b, 2, uint64(m.Fsid))
		b = appendUint(b, 3, m.MgmSize)
		b = appendBytes(b, 4, m.MgmChecksum)
	case *StatFsArgs:
		b = appendUint(b, 1, uint64(m.Fsid))
	case *proto.ReplicaStat:
		b = appendUint(b, 1, uint64(m.Status))
		b = appendSub(b, 2, appendReplicaInfo(nil, &m.Info))
	case *proto.FsStat:
		b = appendUint(b, 1, uint64(m.Fsid))
		b = appendUint(b, 2, m.Capacity)
		b = appendUint(b, 3, m.Used)
		b = appendUint(b, 4, m.Files)
	default:
		return nil, apierrors.Wrapf(apierrors.ErrInvalidArgument, "marshal unsupported message %T", v)
	}
	return b, nil
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

func (d *decoder) varint32(typ protowire.Type) uint32 {
	v := d.varint(typ)
	if v > 0xffffffff {
		d.err = apierrors.Wrapf(apierrors.ErrCorrupted, "value %d out of range", v)
		return 0
	}
	return uint32(v)
}

func (d *decoder) zigzag(typ protowire.Type) int64 {
	return protowire.DecodeZigZag(d.varint(typ))
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

// copyBytes detaches the value from the grpc receive buffer.
func (d *decoder) copyBytes(typ protowire.Type) []byte {
	v := d.bytes(typ)
	if len(v) == 0 {
		return nil
	}
	return append([]byte(nil), v...)
}

// fields calls fn for every field of the message, fn returns false for
// fields it does not know.
func (d *decoder) fields(fn func(num protowire.Number, typ protowire.Type) bool) error {
	for {
		num, typ, ok := d.next()
		if !ok {
			return d.err
		}
		if !fn(num, typ) {
			d.skip(num, typ)
		}
	}
}

func (d *decoder) sub(typ protowire.Type, fn func(num protowire.Number, typ protowire.Type, sub *decoder) bool) {
	sub := &decoder{b: d.bytes(typ)}
	if d.err != nil {
		return
	}
	if err := sub.fields(func(num protowire.Number, typ protowire.Type) bool {
		return fn(num, typ, sub)
	}); err != nil {
		d.err = err
	}
}

func (d *decoder) replicaInfo(typ protowire.Type, ri *proto.ReplicaInfo) {
	d.sub(typ, func(num protowire.Number, typ protowire.Type, sub *decoder) bool {
		switch num {
		case 1:
			ri.Fid = sub.varint(typ)
		case 2:
			ri.Fsid = sub.varint32(typ)
		case 3:
			ri.Size = sub.varint(typ)
		case 4:
			ri.DiskSize = sub.varint(typ)
		case 5:
			ri.Checksum = sub.copyBytes(typ)
		case 6:
			ri.DiskChecksum = sub.copyBytes(typ)
		case 7:
			ri.MgmSize = sub.varint(typ)
		case 8:
			ri.MgmChecksum = sub.copyBytes(typ)
		case 9:
			ri.MTime = sub.zigzag(typ)
		case 10:
			ri.LayoutError = sub.varint32(typ)
		default:
			return false
		}
		return true
	})
}

func unmarshalMessage(data []byte, v interface{}) error {
	d := &decoder{b: data}
	var fn func(num protowire.Number, typ protowire.Type) bool
	switch m := v.(type) {
	case *Empty:
		fn = func(protowire.Number, protowire.Type) bool { return false }
	case *ReplicaArgs:
		*m = ReplicaArgs{}
		fn = func(num protowire.Number, typ protowire.Type) bool {
			switch num {
			case 1:
				m.Fid = d.varint(typ)
			case 2:
				m.Fsid = d.varint32(typ)
			default:
				return false
			}
			return true
		}
	case *StageRemoveArgs:
		*m = StageRemoveArgs{}
		fn = func(num protowire.Number, typ protowire.Type) bool {
			switch num {
			case 1:
				m.Fid = d.varint(typ)
			case 2:
				m.Fsid = d.varint32(typ)
			case 3:
				m.Uid = d.varint32(typ)
			case 4:
				m.Gid = d.varint32(typ)
			default:
				return false
			}
			return true
		}
	case *ListReplicasArgs:
		*m = ListReplicasArgs{}
		fn = func(num protowire.Number, typ protowire.Type) bool {
			switch num {
			case 1:
				m.Fsid = d.varint32(typ)
			case 2:
				m.Marker = d.varint(typ)
			case 3:
				m.Count = int(d.zigzag(typ))
			default:
				return false
			}
			return true
		}
	case *ListReplicasRet:
		*m = ListReplicasRet{}
		fn = func(num protowire.Number, typ protowire.Type) bool {
			switch num {
			case 1:
				m.Replicas = append(m.Replicas, proto.ReplicaInfo{})
				d.replicaInfo(typ, &m.Replicas[len(m.Replicas)-1])
			case 2:
				m.Next = d.varint(typ)
			default:
				return false
			}
			return true
		}
	case *ReadReplicaArgs:
		*m = ReadReplicaArgs{}
		fn = func(num protowire.Number, typ protowire.Type) bool {
			switch num {
			case 1:
				m.Fid = d.varint(typ)
			case 2:
				m.Fsid = d.varint32(typ)
			case 3:
				m.Offset = d.zigzag(typ)
			case 4:
				m.Size = d.zigzag(typ)
			default:
				return false
			}
			return true
		}
	case *ReadReplicaRet:
		*m = ReadReplicaRet{}
		fn = func(num protowire.Number, typ protowire.Type) bool {
			switch num {
			case 1:
				m.Data = d.copyBytes(typ)
			case 2:
				m.EOF = protowire.DecodeBool(d.varint(typ))
			default:
				return false
			}
			return true
		}
	case *WriteReplicaArgs:
		*m = WriteReplicaArgs{}
		fn = func(num protowire.Number, typ protowire.Type) bool {
			switch num {
			case 1:
				m.Fid = d.varint(typ)
			case 2:
				m.Fsid = d.varint32(typ)
			case 3:
				m.LayoutID = d.varint32(typ)
			case 4:
				m.Data = d.copyBytes(typ)
			case 5:
				m.Checksum = d.copyBytes(typ)
			default:
				return false
			}
			return true
		}
	case *CopyReplicaArgs:
		*m = CopyReplicaArgs{}
		fn = func(num protowire.Number, typ protowire.Type) bool {
			switch num {
			case 1:
				m.Fid = d.varint(typ)
			case 2:
				m.LayoutID = d.varint32(typ)
			case 3:
				m.SrcFsid = d.varint32(typ)
			case 4:
				m.SrcAddr = string(d.bytes(typ))
			case 5:
				m.DstFsid = d.varint32(typ)
			case 6:
				m.MgmSize = d.varint(typ)
			case 7:
				m.MgmChecksum = d.copyBytes(typ)
			default:
				return false
			}
			return true
		}
	case *UpdateReplicaMetaArgs:
		*m = UpdateReplicaMetaArgs{}
		fn = func(num protowire.Number, typ protowire.Type) bool {
			switch num {
			case 1:
				m.Fid = d.varint(typ)
			case 2:
				m.Fsid = d.varint32(typ)
			case 3:
				m.MgmSize = d.varint(typ)
			case 4:
				m.MgmChecksum = d.copyBytes(typ)
			default:
				return false
			}
			return true
		}
	case *StatFsArgs:
		*m = StatFsArgs{}
		fn = func(num protowire.Number, typ protowire.Type) bool {
			if num != 1 {
				return false
			}
			m.Fsid = d.varint32(typ)
			return true
		}
	case *proto.ReplicaStat:
		*m = proto.ReplicaStat{}
		fn = func(num protowire.Number, typ protowire.Type) bool {
			switch num {
			case 1:
				v := d.varint(typ)
				if v > 0xff {
					d.err = apierrors.Wrapf(apierrors.ErrCorrupted, "replica status %d out of range", v)
				}
				m.Status = proto.ReplicaStatus(v)
			case 2:
				d.replicaInfo(typ, &m.Info)
			default:
				return false
			}
			return true
		}
	case *proto.FsStat:
		*m = proto.FsStat{}
		fn = func(num protowire.Number, typ protowire.Type) bool {
			switch num {
			case 1:
				m.Fsid = d.varint32(typ)
			case 2:
				m.Capacity = d.varint(typ)
			case 3:
				m.Used = d.varint(typ)
			case 4:
				m.Files = d.varint(typ)
			default:
				return false
			}
			return true
		}
	default:
		return apierrors.Wrapf(apierrors.ErrInvalidArgument, "unmarshal unsupported message %T", v)
	}
	return d.fields(fn)
}
