package core

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

// StakePenaltyManager tracks each witness-committee candidate's pledged
// stake and accumulated misbehaviour penalty, backed by the block-store's
// committee_stake/committee_penalty buckets. Stake here is the pledge a
// candidate locks up to enter the warmup queue (§3's committee lifecycle),
// not a chain balance — a witness's ledger balance still separately drives
// its voting weight through Ledger.Weight.
type StakePenaltyManager struct {
	store  *Store
	logger *log.Logger
}

// NewStakePenaltyManager constructs a manager over store, logging through lg
// (or a new default logrus logger if nil).
func NewStakePenaltyManager(lg *log.Logger, store *Store) *StakePenaltyManager {
	if lg == nil {
		lg = log.New()
	}
	return &StakePenaltyManager{logger: lg, store: store}
}

// AdjustStake increases or decreases the recorded pledge for a committee
// account. A negative delta is allowed so long as the resulting stake does
// not go below zero (unpledging below zero would mean double-spending a
// withdrawal).
func (spm *StakePenaltyManager) AdjustStake(account Account, delta int64) error {
	return spm.store.Update(func(tx *bbolt.Tx) error {
		cur := getUint64(tx.Bucket(bucketStake), account[:])
		next := int64(cur) + delta
		if next < 0 {
			return fmt.Errorf("core: insufficient pledged stake for %s", account.Short())
		}
		return putUint64(tx.Bucket(bucketStake), account[:], uint64(next))
	})
}

// StakeOf returns the currently pledged stake for account.
func (spm *StakePenaltyManager) StakeOf(account Account) uint64 {
	var out uint64
	_ = spm.store.View(func(tx *bbolt.Tx) error {
		out = getUint64(tx.Bucket(bucketStake), account[:])
		return nil
	})
	return out
}

// Penalize adds penalty points for a witness and logs the reason. Penalties
// accumulate until ResetPenalty; nothing beyond PenaltyOf reads them.
func (spm *StakePenaltyManager) Penalize(account Account, points uint32, reason string) error {
	err := spm.store.Update(func(tx *bbolt.Tx) error {
		cur := getUint32(tx.Bucket(bucketPenalty), account[:])
		return putUint32(tx.Bucket(bucketPenalty), account[:], cur+points)
	})
	if err != nil {
		return err
	}
	spm.logger.WithFields(log.Fields{"account": account.Short(), "points": points, "reason": reason}).Warn("committee account penalized")
	return nil
}

// PenaltyOf returns the accumulated penalty points for account.
func (spm *StakePenaltyManager) PenaltyOf(account Account) uint32 {
	var out uint32
	_ = spm.store.View(func(tx *bbolt.Tx) error {
		out = getUint32(tx.Bucket(bucketPenalty), account[:])
		return nil
	})
	return out
}

// SlashStake reduces the pledged stake for account by the given fraction
// (e.g. 0.25 slashes 25%), used when a witness is caught double-signing
// pre_vote/vote for conflicting epoch headers. Returns the slashed amount.
func (spm *StakePenaltyManager) SlashStake(account Account, fraction float64) (uint64, error) {
	if fraction <= 0 || fraction > 1 {
		return 0, fmt.Errorf("core: slash fraction must be within (0,1]")
	}
	var slashed uint64
	err := spm.store.Update(func(tx *bbolt.Tx) error {
		cur := getUint64(tx.Bucket(bucketStake), account[:])
		if cur == 0 {
			return fmt.Errorf("core: no stake recorded for %s", account.Short())
		}
		slashed = uint64(float64(cur) * fraction)
		if slashed > cur {
			slashed = cur
		}
		return putUint64(tx.Bucket(bucketStake), account[:], cur-slashed)
	})
	if err != nil {
		return 0, err
	}
	spm.logger.WithFields(log.Fields{"account": account.Short(), "slashed": slashed}).Warn("committee stake slashed")
	return slashed, nil
}

// ResetPenalty clears accumulated penalty points for account.
func (spm *StakePenaltyManager) ResetPenalty(account Account) error {
	err := spm.store.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPenalty).Delete(account[:])
	})
	if err != nil {
		return err
	}
	spm.logger.WithField("account", account.Short()).Info("committee penalties reset")
	return nil
}

func getUint64(bucket *bbolt.Bucket, key []byte) uint64 {
	raw := bucket.Get(key)
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func putUint64(bucket *bbolt.Bucket, key []byte, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return bucket.Put(key, buf[:])
}

func getUint32(bucket *bbolt.Bucket, key []byte) uint32 {
	raw := bucket.Get(key)
	if len(raw) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(raw)
}

func putUint32(bucket *bbolt.Bucket, key []byte, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return bucket.Put(key, buf[:])
}
