package blockcache

import "golang.org/x/sys/unix"

// mmapReadOnly maps length bytes of fd starting at offset, read-only and
// copy-on-write (MAP_PRIVATE), following the same flag choice gvisor uses
// for read-only device mappings: the mapping must never let a write reach
// the underlying image.
func mmapReadOnly(fd int, offset int64, length int) ([]byte, error) {
	return unix.Mmap(fd, offset, length, unix.PROT_READ, unix.MAP_PRIVATE)
}

func munmap(b []byte) error {
	return unix.Munmap(b)
}
