// Package candle implements the candle (slot) accumulator (C3) and the
// dense fixed-stride binary store plus companion descriptor (C6).
package candle

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"candlestore/internal/trade"
)

// RecordSize is the fixed 56-byte little-endian candle record.
const RecordSize = 56

// Candle is one fixed-width OHLCV+flow slot bucket.
type Candle struct {
	Open, High, Low, Close int32
	BuyVol, SellVol        int64
	BuyCount, SellCount    uint32
	LiqBuy, LiqSell        int64
}

// IsGap reports whether the slot carried no trades (all OHLC fields zero).
func (c Candle) IsGap() bool {
	return c.Open == 0 && c.High == 0 && c.Low == 0 && c.Close == 0
}

// Encode writes c as a 56-byte little-endian record into buf (len(buf) must
// be >= RecordSize).
func (c Candle) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(c.Open))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(c.High))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(c.Low))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(c.Close))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(c.BuyVol))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(c.SellVol))
	binary.LittleEndian.PutUint32(buf[32:36], c.BuyCount)
	binary.LittleEndian.PutUint32(buf[36:40], c.SellCount)
	binary.LittleEndian.PutUint64(buf[40:48], uint64(c.LiqBuy))
	binary.LittleEndian.PutUint64(buf[48:56], uint64(c.LiqSell))
}

// Decode reads a 56-byte little-endian record from buf.
func Decode(buf []byte) Candle {
	return Candle{
		Open:      int32(binary.LittleEndian.Uint32(buf[0:4])),
		High:      int32(binary.LittleEndian.Uint32(buf[4:8])),
		Low:       int32(binary.LittleEndian.Uint32(buf[8:12])),
		Close:     int32(binary.LittleEndian.Uint32(buf[12:16])),
		BuyVol:    int64(binary.LittleEndian.Uint64(buf[16:24])),
		SellVol:   int64(binary.LittleEndian.Uint64(buf[24:32])),
		BuyCount:  binary.LittleEndian.Uint32(buf[32:36]),
		SellCount: binary.LittleEndian.Uint32(buf[36:40]),
		LiqBuy:    int64(binary.LittleEndian.Uint64(buf[40:48])),
		LiqSell:   int64(binary.LittleEndian.Uint64(buf[48:56])),
	}
}

// Companion is the sidecar JSON descriptor for one market-timeframe binary.
type Companion struct {
	Exchange        string `json:"exchange"`
	Symbol          string `json:"symbol"`
	Timeframe       string `json:"timeframe"`
	TimeframeMs     int64  `json:"timeframeMs"`
	StartTs         int64  `json:"startTs"`
	EndTs           int64  `json:"endTs"`
	PriceScale      float64 `json:"priceScale"`
	VolumeScale     float64 `json:"volumeScale"`
	Records         int64  `json:"records"`
	LastInputStartTs int64 `json:"lastInputStartTs,omitempty"`
}

// companionAlias lets UnmarshalJSON fall back to the legacy
// segmentStartTs/segmentEndTs synonyms without infinite recursion.
type companionAlias Companion

type companionLegacy struct {
	companionAlias
	SegmentStartTs *int64 `json:"segmentStartTs,omitempty"`
	SegmentEndTs   *int64 `json:"segmentEndTs,omitempty"`
}

// UnmarshalJSON accepts both the canonical startTs/endTs keys and the
// legacy segmentStartTs/segmentEndTs synonyms.
func (c *Companion) UnmarshalJSON(data []byte) error {
	var legacy companionLegacy
	if err := json.Unmarshal(data, &legacy); err != nil {
		return err
	}
	*c = Companion(legacy.companionAlias)
	if c.StartTs == 0 && legacy.SegmentStartTs != nil {
		c.StartTs = *legacy.SegmentStartTs
	}
	if c.EndTs == 0 && legacy.SegmentEndTs != nil {
		c.EndTs = *legacy.SegmentEndTs
	}
	return nil
}

// ExpectedBytes returns Records * RecordSize (invariant I2).
func (c Companion) ExpectedBytes() int64 {
	return c.Records * RecordSize
}

// AnchorIndex returns the slot index covering targetMs, clamped to
// [0, records-1].
func (c Companion) AnchorIndex(targetMs int64) int64 {
	idx := (targetMs - c.StartTs) / c.TimeframeMs
	if idx < 0 {
		idx = 0
	}
	if c.Records > 0 && idx > c.Records-1 {
		idx = c.Records - 1
	}
	return idx
}

// Accumulator folds a stream of trades into a slot -> Candle map for one
// timeframe (C3). Mirrors the teacher's CandleBuilder bookkeeping but keyed
// by an explicit slot map rather than one builder per live window, since the
// processor operates over a closed, already-ordered input rather than a
// live stream.
type Accumulator struct {
	TimeframeMs int64
	Buckets     map[int64]*Candle
	MinSlot     int64
	MaxSlot     int64
	BucketCount int
}

// NewAccumulator creates an accumulator for the given timeframe.
func NewAccumulator(timeframeMs int64) *Accumulator {
	return &Accumulator{
		TimeframeMs: timeframeMs,
		Buckets:     make(map[int64]*Candle),
	}
}

// AddTrade folds one trade into the accumulator.
func (a *Accumulator) AddTrade(t trade.Trade) error {
	slot := FloorDiv(t.Ts, a.TimeframeMs) * a.TimeframeMs

	bucket, exists := a.Buckets[slot]
	if !exists {
		bucket = &Candle{}
		a.Buckets[slot] = bucket
		a.BucketCount++
		if a.BucketCount == 1 {
			a.MinSlot, a.MaxSlot = slot, slot
		} else {
			if slot < a.MinSlot {
				a.MinSlot = slot
			}
			if slot > a.MaxSlot {
				a.MaxSlot = slot
			}
		}
	} else {
		if slot < a.MinSlot {
			a.MinSlot = slot
		}
		if slot > a.MaxSlot {
			a.MaxSlot = slot
		}
	}

	if t.Liquidation {
		micros, err := trade.NotionalToMicros(t.Price, t.Size)
		if err != nil {
			return err
		}
		if t.Side == trade.SideBuy {
			bucket.LiqBuy += micros
		} else {
			bucket.LiqSell += micros
		}
		return nil
	}

	priceTicks, err := trade.PriceToTicks(t.Price)
	if err != nil {
		return err
	}
	micros, err := trade.NotionalToMicros(t.Price, t.Size)
	if err != nil {
		return err
	}

	initialized := bucket.Open != 0 || bucket.High != 0 || bucket.Low != 0 || bucket.Close != 0 ||
		bucket.BuyCount > 0 || bucket.SellCount > 0
	if !initialized {
		bucket.Open = priceTicks
		bucket.High = priceTicks
		bucket.Low = priceTicks
		bucket.Close = priceTicks
	} else {
		if priceTicks > bucket.High {
			bucket.High = priceTicks
		}
		if priceTicks < bucket.Low {
			bucket.Low = priceTicks
		}
		bucket.Close = priceTicks
	}

	if t.Side == trade.SideBuy {
		bucket.BuyVol += micros
		bucket.BuyCount++
	} else {
		bucket.SellVol += micros
		bucket.SellCount++
	}
	return nil
}

// FloorDiv is integer division rounding toward negative infinity, used
// everywhere a millisecond timestamp is mapped onto a fixed-stride slot.
func FloorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// ErrBinaryLengthMismatch reports a stale companion vs. binary length.
var ErrBinaryLengthMismatch = errors.New("candle: binary length does not match companion.records * 56")

// ValidateLength checks invariant I2 between a companion and an on-disk
// binary's length in bytes.
func ValidateLength(c Companion, fileBytes int64) error {
	if fileBytes != c.ExpectedBytes() {
		return fmt.Errorf("%w: got %d want %d", ErrBinaryLengthMismatch, fileBytes, c.ExpectedBytes())
	}
	return nil
}
