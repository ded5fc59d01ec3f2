package db

var (
	NamespaceUTXO            = []byte("ux")
	NamespaceSpentOutpoint   = []byte("sp")
	NamespaceCoordinateUTXO  = []byte("cu")
	NamespaceBlock           = []byte("bk")
	NamespaceBlockHeader     = []byte("bh")
	NamespaceShardTip        = []byte("st")
	NamespaceShardHeight     = []byte("sh")
	NamespaceMeshLevel1Root  = []byte("mr")
	NamespaceCrossShardProof = []byte("xp")
	NamespaceConsensusState  = []byte("cs")
	EmptyKey                 = []byte{}
	Separator                = []byte("|")
)

func PrependNamespace(namespace []byte, key []byte) []byte {
	if namespace != nil {
		return append(append(namespace, Separator...), key...)
	}
	return key
}

func ConvNilToBytes(byteArray []byte) []byte {
	if byteArray == nil {
		return []byte{}
	}
	return byteArray
}

// PrefixEnd returns the smallest key that is lexicographically greater than
// every key carrying the given prefix, for use as an Iterator end bound.
// A nil result means the prefix is all 0xff and the scan is unbounded.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
