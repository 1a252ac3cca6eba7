package queue

import "sync"

// Data buffers for submitted I/O come from size-bucketed pools with
// power-of-2 sizes from 4KB to 1MB. Sizes above 1MB are allocated directly.
// Pools hold *[]byte to avoid the interface allocation of storing a slice.

const (
	minBucketShift = 12 // 4KB
	maxBucketShift = 20 // 1MB
	nrBuckets      = maxBucketShift - minBucketShift + 1
)

var buckets [nrBuckets]sync.Pool

func init() {
	for i := range buckets {
		size := 1 << (minBucketShift + i)
		buckets[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
}

// bucketFor returns the index of the smallest bucket holding size, or -1.
func bucketFor(size int) int {
	for i := 0; i < nrBuckets; i++ {
		if size <= 1<<(minBucketShift+i) {
			return i
		}
	}
	return -1
}

// GetBuffer returns a buffer of length size. Caller must call PutBuffer when
// done.
func GetBuffer(size uint32) []byte {
	i := bucketFor(int(size))
	if i < 0 {
		return make([]byte, size)
	}
	return (*buckets[i].Get().(*[]byte))[:size]
}

// PutBuffer returns a buffer to the pool. The buffer's capacity picks the
// bucket; buffers of any other capacity are dropped.
func PutBuffer(buf []byte) {
	c := cap(buf)
	i := bucketFor(c)
	if i < 0 || c != 1<<(minBucketShift+i) {
		return
	}
	buf = buf[:c]
	buckets[i].Put(&buf)
}
