package common

import "fmt"

// EndOfFileBlockNum addresses the pseudo block that guards a file's size.
// Locking it serializes concurrent appends to the same file.
const EndOfFileBlockNum = -1

// BlockID identifies a fixed-size unit of persistent storage.
type BlockID struct {
	FileName string
	Num      int
}

func NewBlockID(fileName string, num int) BlockID {
	return BlockID{
		FileName: fileName,
		Num:      num,
	}
}

func EndOfFile(fileName string) BlockID {
	return BlockID{
		FileName: fileName,
		Num:      EndOfFileBlockNum,
	}
}

func (b BlockID) String() string {
	return fmt.Sprintf("[file %s, block %d]", b.FileName, b.Num)
}

/* a monotonically increasing counter. Lower ids belong to older
 * transactions: the lock table relies on this for its wait-die policy */
type TxnID int32

// NilTxnID marks a clean buffer and records that belong to no transaction
// (checkpoints).
const NilTxnID TxnID = -1
