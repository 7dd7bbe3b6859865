package channel

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// RefundDelay is the relative timelock guarding the refund branch, stored in
// its raw BIP68 sequence encoding. The same value is pushed in the script
// for OP_CHECKSEQUENCEVERIFY and used as the refund input's sequence.
type RefundDelay uint32

// RefundDelayBlocks returns a refund delay of the given number of blocks.
func RefundDelayBlocks(blocks uint16) RefundDelay {
	return RefundDelay(blocks)
}

// RefundDelaySeconds returns a time based refund delay. BIP68 counts time in
// 512 second intervals, so the duration is rounded up to the next interval
// and capped at the largest encodable value.
func RefundDelaySeconds(seconds uint32) RefundDelay {
	intervals := (uint64(seconds) + (1 << wire.SequenceLockTimeGranularity) - 1) >>
		wire.SequenceLockTimeGranularity
	if intervals > wire.SequenceLockTimeMask {
		intervals = wire.SequenceLockTimeMask
	}
	return RefundDelay(wire.SequenceLockTimeIsSeconds | uint32(intervals))
}

// RefundDelayFromSequence wraps a raw sequence value.
func RefundDelayFromSequence(sequence uint32) RefundDelay {
	return RefundDelay(sequence)
}

// Sequence returns the raw sequence encoding.
func (d RefundDelay) Sequence() uint32 {
	return uint32(d)
}

// IsSeconds reports whether the delay is counted in 512 second intervals
// rather than blocks.
func (d RefundDelay) IsSeconds() bool {
	return uint32(d)&wire.SequenceLockTimeIsSeconds != 0
}

// Value returns the lock value in its unit (blocks or 512s intervals).
func (d RefundDelay) Value() uint16 {
	return uint16(uint32(d) & wire.SequenceLockTimeMask)
}

// Valid reports whether the delay actually locks the refund branch. Zero
// under either unit is rejected, as is a value with the disable flag set,
// which OP_CHECKSEQUENCEVERIFY treats as a no-op.
func (d RefundDelay) Valid() bool {
	if uint32(d)&wire.SequenceLockTimeDisabled != 0 {
		return false
	}
	return d.Value() != 0
}

// String implements fmt.Stringer.
func (d RefundDelay) String() string {
	if d.IsSeconds() {
		return fmt.Sprintf("%d×512s", d.Value())
	}
	return fmt.Sprintf("%d blocks", d.Value())
}

// Branch selects one of the two mutually exclusive spending paths.
type Branch uint8

const (
	// BranchPayment is the 2-of-2 multisig path used for settlement.
	BranchPayment Branch = iota + 1

	// BranchRefund is the timelocked payer-only path.
	BranchRefund
)

// String implements fmt.Stringer.
func (b Branch) String() string {
	switch b {
	case BranchPayment:
		return "payment"
	case BranchRefund:
		return "refund"
	default:
		return "unknown"
	}
}

// Selector returns the witness element consumed by OP_IF. The false selector
// is the empty vector; segwit MINIMALIF policy rejects any other encoding.
func (b Branch) Selector() []byte {
	if b == BranchPayment {
		return []byte{0x01}
	}
	return []byte{}
}

// BuildSpendingScript creates the channel's two-branch witness script.
//
// Script structure:
//
//	OP_IF
//	    2 <payer_pubkey> <payee_pubkey> 2 OP_CHECKMULTISIG
//	OP_ELSE
//	    <refund_delay> OP_CHECKSEQUENCEVERIFY OP_DROP
//	    <payer_pubkey> OP_CHECKSIG
//	OP_ENDIF
//
// Key and delay validity are checked by NewParams, not here.
func BuildSpendingScript(payer, payee []byte, delay RefundDelay) ([]byte, error) {
	builder := txscript.NewScriptBuilder()

	// Payment branch
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_2)
	builder.AddData(payer)
	builder.AddData(payee)
	builder.AddOp(txscript.OP_2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	// Refund branch
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(delay.Sequence()))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(payer)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// ScriptTerms are the components of a parsed spending script.
type ScriptTerms struct {
	PayerPubKey []byte
	PayeePubKey []byte
	RefundDelay RefundDelay
}

// ParseSpendingScript parses a spending script and extracts its terms. The
// channel itself always compares scripts byte for byte; this is for callers
// inspecting a script proposed by a counterparty.
func ParseSpendingScript(script []byte) (*ScriptTerms, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	expectOp := func(op byte, name string) error {
		if !tokenizer.Next() || tokenizer.Opcode() != op {
			return fmt.Errorf("expected %s", name)
		}
		return nil
	}
	expectKey := func(name string) ([]byte, error) {
		if !tokenizer.Next() {
			return nil, fmt.Errorf("expected %s pubkey", name)
		}
		data := tokenizer.Data()
		if len(data) != 33 {
			return nil, fmt.Errorf("%s pubkey must be 33 bytes", name)
		}
		return data, nil
	}

	if err := expectOp(txscript.OP_IF, "OP_IF"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_2, "OP_2"); err != nil {
		return nil, err
	}
	payer, err := expectKey("payer")
	if err != nil {
		return nil, err
	}
	payee, err := expectKey("payee")
	if err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_2, "OP_2"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_CHECKMULTISIG, "OP_CHECKMULTISIG"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_ELSE, "OP_ELSE"); err != nil {
		return nil, err
	}

	// <refund_delay> - small int or minimal script number push
	if !tokenizer.Next() {
		return nil, fmt.Errorf("expected refund delay")
	}
	var delay uint32
	if op := tokenizer.Opcode(); txscript.IsSmallInt(op) {
		delay = uint32(txscript.AsSmallInt(op))
	} else {
		data := tokenizer.Data()
		if len(data) == 0 || len(data) > 5 {
			return nil, fmt.Errorf("invalid refund delay push")
		}
		var v uint64
		for i := 0; i < len(data); i++ {
			v |= uint64(data[i]) << (8 * i)
		}
		// Script numbers carry their sign in the top bit of the last byte.
		if data[len(data)-1]&0x80 != 0 {
			return nil, fmt.Errorf("refund delay must not be negative")
		}
		if v > 0xffffffff {
			return nil, fmt.Errorf("refund delay exceeds 32 bits")
		}
		delay = uint32(v)
	}

	if err := expectOp(txscript.OP_CHECKSEQUENCEVERIFY, "OP_CHECKSEQUENCEVERIFY"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_DROP, "OP_DROP"); err != nil {
		return nil, err
	}
	refundKey, err := expectKey("refund")
	if err != nil {
		return nil, err
	}
	if string(refundKey) != string(payer) {
		return nil, fmt.Errorf("refund pubkey does not match payer pubkey")
	}
	if err := expectOp(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_ENDIF, "OP_ENDIF"); err != nil {
		return nil, err
	}
	if tokenizer.Next() {
		return nil, fmt.Errorf("unexpected data after OP_ENDIF")
	}
	if err := tokenizer.Err(); err != nil {
		return nil, fmt.Errorf("malformed script: %w", err)
	}

	return &ScriptTerms{
		PayerPubKey: payer,
		PayeePubKey: payee,
		RefundDelay: RefundDelay(delay),
	}, nil
}

// P2WSHScript creates the scriptPubKey paying to the witness script hash.
// Format: OP_0 <32-byte-script-hash>
func P2WSHScript(witnessScript []byte) []byte {
	scriptHash := sha256.Sum256(witnessScript)
	return witnessProgram(scriptHash[:])
}

// P2WPKHScript creates the scriptPubKey paying to a compressed key's hash.
// Format: OP_0 <20-byte-pubkey-hash>
func P2WPKHScript(pubKey []byte) []byte {
	return witnessProgram(btcutil.Hash160(pubKey))
}

func witnessProgram(program []byte) []byte {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(program)
	script, err := builder.Script()
	if err != nil {
		panic(fmt.Sprintf("witness program: %v", err))
	}
	return script
}
