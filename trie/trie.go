package trie

import (
	"bytes"

	"github.com/emberchain/ember/common"
	"github.com/emberchain/ember/crypto"
	"github.com/emberchain/ember/rlp"
)

// EmptyRoot is the known root hash of an empty trie, keccak256(rlp("")).
var EmptyRoot = common.HexToHash("56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421")

type node interface{}

type (
	fullNode struct {
		Children [17]node
	}
	shortNode struct {
		Key []byte // hex-encoded nibbles, terminator included for leaves
		Val node
	}
	valueNode []byte
)

// Trie is an in-memory hexary Merkle-Patricia trie. It only supports
// insertion, lookup and hashing: the miner builds transaction and receipt tries for
// the block it is sealing and never removes entries from them.
//
// Trie is not safe for concurrent use; callers serialize access.
type Trie struct {
	root node
}

// New creates an empty trie.
func New() *Trie {
	return &Trie{}
}

// Update associates key with value in the trie. An existing value for key is
// overwritten. Empty values are not supported (the miner never produces any).
func (t *Trie) Update(key, value []byte) {
	k := keybytesToHex(key)
	t.root = t.insert(t.root, k, valueNode(value))
}

// Get returns the value previously stored under key, or nil.
func (t *Trie) Get(key []byte) []byte {
	k := keybytesToHex(key)
	n := t.root
	for {
		switch tn := n.(type) {
		case nil:
			return nil
		case valueNode:
			return tn
		case *shortNode:
			if len(k) < len(tn.Key) || !bytes.Equal(tn.Key, k[:len(tn.Key)]) {
				return nil
			}
			n, k = tn.Val, k[len(tn.Key):]
		case *fullNode:
			if len(k) == 0 {
				n = tn.Children[16]
			} else {
				n, k = tn.Children[k[0]], k[1:]
			}
		}
	}
}

// Hash returns the root hash of the trie.
func (t *Trie) Hash() common.Hash {
	if t.root == nil {
		return EmptyRoot
	}
	return crypto.Keccak256Hash(encodeNode(t.root))
}

func (t *Trie) insert(n node, key []byte, value valueNode) node {
	if len(key) == 0 {
		return value
	}
	switch n := n.(type) {
	case nil:
		return &shortNode{Key: key, Val: value}

	case *shortNode:
		matchlen := prefixLen(key, n.Key)
		// If the whole existing key matches, keep the short node and recurse
		// into its value.
		if matchlen == len(n.Key) {
			return &shortNode{Key: n.Key, Val: t.insert(n.Val, key[matchlen:], value)}
		}
		// Otherwise branch out at the index where they differ.
		branch := &fullNode{}
		branch.Children[n.Key[matchlen]] = shorten(n.Key[matchlen+1:], n.Val)
		branch.Children[key[matchlen]] = shorten(key[matchlen+1:], value)
		if matchlen == 0 {
			return branch
		}
		return &shortNode{Key: key[:matchlen], Val: branch}

	case *fullNode:
		if key[0] == 16 {
			n.Children[16] = value
			return n
		}
		n.Children[key[0]] = t.insert(n.Children[key[0]], key[1:], value)
		return n

	default:
		panic("trie: invalid node type")
	}
}

func shorten(key []byte, val node) node {
	if len(key) == 0 {
		return val
	}
	return &shortNode{Key: key, Val: val}
}

// encodeNode returns the RLP encoding of n with child nodes referenced by
// hash when their own encoding is 32 bytes or larger, and embedded otherwise.
func encodeNode(n node) []byte {
	switch n := n.(type) {
	case *shortNode:
		payload := rlp.AppendString(nil, hexToCompact(n.Key))
		payload = appendChild(payload, n.Val)
		return rlp.EncodeList(payload)
	case *fullNode:
		var payload []byte
		for _, child := range n.Children {
			payload = appendChild(payload, child)
		}
		return rlp.EncodeList(payload)
	case valueNode:
		return rlp.EncodeString(n)
	default:
		panic("trie: invalid node type")
	}
}

func appendChild(buf []byte, n node) []byte {
	switch n := n.(type) {
	case nil:
		return append(buf, 0x80)
	case valueNode:
		return rlp.AppendString(buf, n)
	default:
		enc := encodeNode(n)
		if len(enc) < 32 {
			return append(buf, enc...)
		}
		return rlp.AppendString(buf, crypto.Keccak256(enc))
	}
}

// keybytesToHex expands key bytes into nibbles with a terminator.
func keybytesToHex(str []byte) []byte {
	l := len(str)*2 + 1
	nibbles := make([]byte, l)
	for i, b := range str {
		nibbles[i*2] = b / 16
		nibbles[i*2+1] = b % 16
	}
	nibbles[l-1] = 16
	return nibbles
}

// hexToCompact packs a nibble key into the compact (hex-prefix) encoding.
func hexToCompact(hex []byte) []byte {
	terminator := byte(0)
	if hasTerm(hex) {
		terminator = 1
		hex = hex[:len(hex)-1]
	}
	buf := make([]byte, len(hex)/2+1)
	buf[0] = terminator << 5 // the flag byte
	if len(hex)&1 == 1 {
		buf[0] |= 1 << 4 // odd flag
		buf[0] |= hex[0] // first nibble is contained in the first byte
		hex = hex[1:]
	}
	decodeNibbles(hex, buf[1:])
	return buf
}

func decodeNibbles(nibbles []byte, bytes []byte) {
	for bi, ni := 0, 0; ni < len(nibbles); bi, ni = bi+1, ni+2 {
		bytes[bi] = nibbles[ni]<<4 | nibbles[ni+1]
	}
}

func prefixLen(a, b []byte) int {
	var i, length = 0, len(a)
	if len(b) < length {
		length = len(b)
	}
	for ; i < length; i++ {
		if a[i] != b[i] {
			break
		}
	}
	return i
}

func hasTerm(s []byte) bool {
	return len(s) > 0 && s[len(s)-1] == 16
}
