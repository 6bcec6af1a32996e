package geoprice_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ByPrice/geoprice"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// StoreTestSuite runs the shared Store contract against an implementation.
func StoreTestSuite(storeFactory func() (geoprice.Store, func())) {
	var store geoprice.Store
	var cleanup func()
	var ctx context.Context

	BeforeEach(func() {
		store, cleanup = storeFactory()
		ctx = context.Background()
	})

	AfterEach(func() {
		if cleanup != nil {
			cleanup()
		}
	})

	Describe("Set and Get", func() {
		It("should return a stored value", func() {
			Expect(store.Set(ctx, "task:status:a", []byte(`{"progress":5}`), time.Hour)).To(Succeed())

			value, found, err := store.Get(ctx, "task:status:a")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(value).To(Equal([]byte(`{"progress":5}`)))
		})

		It("should report missing keys as not found", func() {
			value, found, err := store.Get(ctx, "task:status:missing")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())
			Expect(value).To(BeNil())
		})

		It("should replace the previous value", func() {
			Expect(store.Set(ctx, "k", []byte("one"), time.Hour)).To(Succeed())
			Expect(store.Set(ctx, "k", []byte("two"), time.Hour)).To(Succeed())

			value, found, err := store.Get(ctx, "k")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(string(value)).To(Equal("two"))
		})

		It("should keep values without expiry when ttl is zero", func() {
			Expect(store.Set(ctx, "k", []byte("forever"), 0)).To(Succeed())

			_, found, err := store.Get(ctx, "k")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
		})

		It("should not share memory with the caller", func() {
			input := []byte("abc")
			Expect(store.Set(ctx, "k", input, time.Hour)).To(Succeed())
			input[0] = 'x'

			value, _, err := store.Get(ctx, "k")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(value)).To(Equal("abc"))
			value[1] = 'y'

			again, _, err := store.Get(ctx, "k")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(again)).To(Equal("abc"))
		})

		It("should keep keys independent", func() {
			Expect(store.Set(ctx, geoprice.StatusKey("job"), []byte("s"), time.Hour)).To(Succeed())
			Expect(store.Set(ctx, geoprice.ResultKey("job"), []byte("r"), time.Hour)).To(Succeed())

			status, _, err := store.Get(ctx, geoprice.StatusKey("job"))
			Expect(err).NotTo(HaveOccurred())
			result, _, err := store.Get(ctx, geoprice.ResultKey("job"))
			Expect(err).NotTo(HaveOccurred())
			_, found, err := store.Get(ctx, geoprice.NameKey("job"))
			Expect(err).NotTo(HaveOccurred())

			Expect(string(status)).To(Equal("s"))
			Expect(string(result)).To(Equal("r"))
			Expect(found).To(BeFalse())
		})

		It("should reject a cancelled context", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			Expect(store.Set(cancelled, "k", []byte("v"), time.Hour)).To(MatchError(context.Canceled))
			_, _, err := store.Get(cancelled, "k")
			Expect(err).To(MatchError(context.Canceled))
		})
	})

	Describe("concurrency", func() {
		It("should handle concurrent writers on distinct and shared keys", func() {
			const writers = 16
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					Expect(store.Set(ctx, fmt.Sprintf("job-%d", i), []byte("v"), time.Hour)).To(Succeed())
					Expect(store.Set(ctx, "shared", []byte(fmt.Sprintf("%d", i)), time.Hour)).To(Succeed())
				}(i)
			}
			wg.Wait()

			for i := 0; i < writers; i++ {
				_, found, err := store.Get(ctx, fmt.Sprintf("job-%d", i))
				Expect(err).NotTo(HaveOccurred())
				Expect(found).To(BeTrue())
			}
			shared, found, err := store.Get(ctx, "shared")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(shared).NotTo(BeEmpty())
		})
	})
}

var _ = Describe("InMemoryStore", func() {
	StoreTestSuite(func() (geoprice.Store, func()) {
		store := geoprice.NewInMemoryStore()
		return store, func() { _ = store.Close() }
	})

	Describe("expiry", func() {
		var (
			clock *fakeClock
			store *geoprice.InMemoryStore
			ctx   context.Context
		)

		BeforeEach(func() {
			clock = newFakeClock()
			store = geoprice.NewInMemoryStoreWithClock(clock.Now)
			ctx = context.Background()
		})

		It("should hide entries once their ttl elapsed", func() {
			Expect(store.Set(ctx, "k", []byte("v"), time.Minute)).To(Succeed())

			clock.Advance(59 * time.Second)
			_, found, err := store.Get(ctx, "k")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())

			clock.Advance(time.Second)
			_, found, err = store.Get(ctx, "k")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())
		})

		It("should reset the expiry on overwrite", func() {
			Expect(store.Set(ctx, "k", []byte("v1"), time.Minute)).To(Succeed())
			clock.Advance(50 * time.Second)
			Expect(store.Set(ctx, "k", []byte("v2"), time.Minute)).To(Succeed())
			clock.Advance(50 * time.Second)

			value, found, err := store.Get(ctx, "k")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(string(value)).To(Equal("v2"))
		})

		It("should remove expired entries on cleanup", func() {
			Expect(store.Set(ctx, "short", []byte("v"), time.Minute)).To(Succeed())
			Expect(store.Set(ctx, "long", []byte("v"), time.Hour)).To(Succeed())
			Expect(store.Set(ctx, "forever", []byte("v"), 0)).To(Succeed())
			clock.Advance(2 * time.Minute)

			removed, err := store.CleanupExpired(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(Equal(1))
			Expect(store.Len()).To(Equal(2))
		})
	})

	It("should fail after Close", func() {
		store := geoprice.NewInMemoryStore()
		Expect(store.Close()).To(Succeed())

		Expect(store.Set(context.Background(), "k", []byte("v"), 0)).To(MatchError(geoprice.ErrStoreClosed))
		_, _, err := store.Get(context.Background(), "k")
		Expect(err).To(MatchError(geoprice.ErrStoreClosed))
	})
})

var _ = Describe("BadgerStore", func() {
	StoreTestSuite(func() (geoprice.Store, func()) {
		tmpDir, err := os.MkdirTemp("", "geoprice_badger_*")
		Expect(err).NotTo(HaveOccurred())

		store, err := geoprice.NewBadgerStore(tmpDir, testLogger())
		Expect(err).NotTo(HaveOccurred())

		return store, func() {
			_ = store.Close()
			_ = os.RemoveAll(tmpDir)
		}
	})

	It("should expire entries through badger ttl", func() {
		store, err := geoprice.NewInMemoryBadgerStore(testLogger())
		Expect(err).NotTo(HaveOccurred())
		defer store.Close()
		ctx := context.Background()

		Expect(store.Set(ctx, "k", []byte("v"), time.Second)).To(Succeed())
		_, found, err := store.Get(ctx, "k")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())

		Eventually(func() bool {
			_, found, _ := store.Get(ctx, "k")
			return found
		}, 5*time.Second, 100*time.Millisecond).Should(BeFalse())
	})

	It("should keep entries with a sub-second ttl for at least that long", func() {
		store, err := geoprice.NewInMemoryBadgerStore(testLogger())
		Expect(err).NotTo(HaveOccurred())
		defer store.Close()
		ctx := context.Background()

		Expect(store.Set(ctx, "k", []byte("v"), 300*time.Millisecond)).To(Succeed())
		Consistently(func() bool {
			_, found, _ := store.Get(ctx, "k")
			return found
		}, 900*time.Millisecond, 50*time.Millisecond).Should(BeTrue())

		Eventually(func() bool {
			_, found, _ := store.Get(ctx, "k")
			return found
		}, 4*time.Second, 100*time.Millisecond).Should(BeFalse())
	})

	It("should run value log GC without error on disk", func() {
		tmpDir, err := os.MkdirTemp("", "geoprice_badger_gc_*")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(tmpDir)

		store, err := geoprice.NewBadgerStore(tmpDir, testLogger())
		Expect(err).NotTo(HaveOccurred())
		defer store.Close()

		Expect(store.Set(context.Background(), "k", []byte("v"), time.Hour)).To(Succeed())
		removed, err := store.CleanupExpired(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(removed).To(BeZero())
	})

	It("should report a closed database", func() {
		store, err := geoprice.NewInMemoryBadgerStore(testLogger())
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Close()).To(Succeed())

		_, _, err = store.Get(context.Background(), "k")
		Expect(err).To(MatchError(geoprice.ErrStoreClosed))
	})
})

var _ = Describe("OpenStore", func() {
	It("should open the memory backend by default", func() {
		store, err := geoprice.OpenStore(&geoprice.Config{}, testLogger())
		Expect(err).NotTo(HaveOccurred())
		Expect(store).To(BeAssignableToTypeOf(&geoprice.InMemoryStore{}))
		Expect(store.Close()).To(Succeed())
	})

	It("should open badger at the configured path", func() {
		tmpDir, err := os.MkdirTemp("", "geoprice_open_*")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(tmpDir)

		store, err := geoprice.OpenStore(&geoprice.Config{StoreBackend: geoprice.StoreBadger, StorePath: tmpDir}, testLogger())
		Expect(err).NotTo(HaveOccurred())
		Expect(store).To(BeAssignableToTypeOf(&geoprice.BadgerStore{}))
		Expect(store.Close()).To(Succeed())
	})

	It("should reject unknown backends", func() {
		_, err := geoprice.OpenStore(&geoprice.Config{StoreBackend: "redis"}, testLogger())
		Expect(err).To(MatchError(ContainSubstring("unknown store backend")))
	})
})
