package auction

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Size is the encoded length of an auction record:
// discriminator, three keys, price, end_at, three highest-bidder keys.
const Size = 8 + 3*32 + 8 + 8 + 3*32

// Discriminator prefixes every encoded record so observers can tell auction
// records from other program data.
var Discriminator = func() [8]byte {
	sum := sha256.Sum256([]byte("account:Auction"))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}()

var ErrCorruptRecord = errors.New("corrupt auction record")

// MarshalBinary encodes the record in its fixed-width layout. A missing bid
// is written as the (exhibitor, NFT holding, proceeds) triple.
func (a *Auction) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, Size))
	enc := bin.NewBorshEncoder(buf)

	if err := enc.WriteBytes(Discriminator[:], false); err != nil {
		return nil, err
	}
	for _, key := range []solana.PublicKey{a.Exhibitor, a.ExhibitingNFTHolding, a.ExhibitorProceeds} {
		if err := enc.WriteBytes(key[:], false); err != nil {
			return nil, err
		}
	}
	if err := enc.WriteUint64(a.Price, binary.LittleEndian); err != nil {
		return nil, err
	}
	if err := enc.WriteInt64(a.EndAt, binary.LittleEndian); err != nil {
		return nil, err
	}
	declared := a.Declared()
	for _, key := range []solana.PublicKey{declared.Bidder, declared.FTHolding, declared.RefundAccount} {
		if err := enc.WriteBytes(key[:], false); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a record written by MarshalBinary.
func (a *Auction) UnmarshalBinary(data []byte) error {
	if len(data) != Size {
		return fmt.Errorf("%w: length %d, want %d", ErrCorruptRecord, len(data), Size)
	}
	dec := bin.NewBorshDecoder(data)

	disc, err := dec.ReadNBytes(len(Discriminator))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if !bytes.Equal(disc, Discriminator[:]) {
		return fmt.Errorf("%w: bad discriminator", ErrCorruptRecord)
	}

	readKey := func() (solana.PublicKey, error) {
		b, err := dec.ReadNBytes(solana.PublicKeyLength)
		if err != nil {
			return solana.PublicKey{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		return solana.PublicKeyFromBytes(b), nil
	}

	var out Auction
	if out.Exhibitor, err = readKey(); err != nil {
		return err
	}
	if out.ExhibitingNFTHolding, err = readKey(); err != nil {
		return err
	}
	if out.ExhibitorProceeds, err = readKey(); err != nil {
		return err
	}
	if out.Price, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if out.EndAt, err = dec.ReadInt64(binary.LittleEndian); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	var bid Bid
	if bid.Bidder, err = readKey(); err != nil {
		return err
	}
	if bid.FTHolding, err = readKey(); err != nil {
		return err
	}
	if bid.RefundAccount, err = readKey(); err != nil {
		return err
	}
	if bid != out.Declared() {
		out.HighestBid = &bid
	}

	*a = out
	return nil
}

// Decode parses an encoded record.
func Decode(data []byte) (*Auction, error) {
	a := &Auction{}
	if err := a.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return a, nil
}

// IsRecord reports whether data looks like an encoded auction record.
func IsRecord(data []byte) bool {
	return len(data) == Size && bytes.Equal(data[:len(Discriminator)], Discriminator[:])
}
