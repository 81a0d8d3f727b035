package filter

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/spez-io/spez/telemetry"
)

// Key128 is the 128-bit hash identifying an emitted event.
type Key128 struct {
	Hi uint64
	Lo uint64
}

// keySeed2 perturbs the second hash word (murmur constant).
const keySeed2 = 0xC6A4A7935BD1E995

// EventKey hashes (primaryKey, commit timestamp string) into a 128-bit key.
// Two XXH64 sums over the same projection, the second salted, stand in for a
// single 128-bit function.
func EventKey(primaryKey []byte, tsString string) Key128 {
	d := xxhash.New()
	d.Write(primaryKey)
	d.Write([]byte{0x00})
	d.WriteString(tsString)
	hi := d.Sum64()

	var salt [8]byte
	binary.LittleEndian.PutUint64(salt[:], keySeed2)
	d.Reset()
	d.Write(salt[:])
	d.Write(primaryKey)
	d.Write([]byte{0x00})
	d.WriteString(tsString)
	lo := d.Sum64()

	return Key128{Hi: hi, Lo: lo}
}

// Dedup suppresses duplicate re-delivery across the boundary of the polling
// predicate. Two levels: a Bloom filter sized at maxEventCount, and an exact
// map keyed by the 128-bit event hash holding the commit timestamp.
//
// The poller is the only writer of events; vacuum runs concurrently and the
// structures tolerate that.
type Dedup struct {
	maxEventCount int
	cacheTTL      time.Duration

	exact *xsync.MapOf[Key128, time.Time]

	mu    sync.Mutex // Guards bloom swap during vacuum
	bloom *BloomFilter
}

// NewDedup creates a filter bounded at maxEventCount entries with the given
// cache TTL for vacuum sweeps.
func NewDedup(maxEventCount int, cacheTTL time.Duration) *Dedup {
	return &Dedup{
		maxEventCount: maxEventCount,
		cacheTTL:      cacheTTL,
		exact:         xsync.NewMapOf[Key128, time.Time](),
		bloom:         NewBloomFilter(maxEventCount),
	}
}

// IsFresh returns true exactly when the event's key is not in the exact map
// (it was not emitted in this tailer lifetime, or its entry has since been
// vacuumed), inserting it into both structures as a side effect.
func (d *Dedup) IsFresh(primaryKey []byte, commitTs time.Time, tsString string) bool {
	key := EventKey(primaryKey, tsString)

	d.mu.Lock()
	bloom := d.bloom
	d.mu.Unlock()

	if bloom.MightContain(key) {
		// Disambiguate the approximate hit through the exact map.
		if _, loaded := d.exact.LoadOrStore(key, commitTs); loaded {
			return false
		}
		bloom.Add(key)
	} else {
		// A key stored while vacuum rebuilt the bloom can be missing from the
		// new one, so the exact map still decides.
		if _, loaded := d.exact.LoadOrStore(key, commitTs); loaded {
			return false
		}
		bloom.Add(key)
	}

	if d.exact.Size() >= d.maxEventCount {
		d.vacuum(time.Now())
	}

	telemetry.DedupEntries.Set(float64(d.exact.Size()))
	return true
}

// Len returns the number of entries in the exact map.
func (d *Dedup) Len() int {
	return d.exact.Size()
}

// Vacuum removes entries older than now-TTL and rebuilds the approximate
// structure from the survivors.
func (d *Dedup) Vacuum(now time.Time) int {
	return d.vacuum(now)
}

func (d *Dedup) vacuum(now time.Time) int {
	cutoff := now.Add(-d.cacheTTL)

	removed := 0
	d.exact.Range(func(key Key128, ts time.Time) bool {
		if ts.Before(cutoff) {
			d.exact.Delete(key)
			removed++
		}
		return true
	})

	survivors := make([]Key128, 0, d.exact.Size())
	d.exact.Range(func(key Key128, _ time.Time) bool {
		survivors = append(survivors, key)
		return true
	})

	rebuilt := NewBloomFilterFromKeys(survivors, d.maxEventCount)
	d.mu.Lock()
	d.bloom = rebuilt
	d.mu.Unlock()

	telemetry.VacuumRunsTotal.Inc()
	telemetry.DedupEntries.Set(float64(len(survivors)))

	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("survivors", len(survivors)).
			Msg("Dedup vacuum completed")
	}
	return removed
}

// StartVacuum runs scheduled sweeps every rate until stopCh closes.
func (d *Dedup) StartVacuum(stopCh <-chan struct{}, rate time.Duration) {
	go func() {
		ticker := time.NewTicker(rate)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case now := <-ticker.C:
				d.vacuum(now)
			}
		}
	}()
}
