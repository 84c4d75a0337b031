package proxy

import (
	"io"
	"sync"

	"trojan-tunnel/internal/transport"
)

// Result 一次转发的字节统计
type Result struct {
	// Up a→b方向字节数
	Up int64
	// Down b→a方向字节数
	Down int64
}

// Relay 在两个流之间双向转发，任一方向结束（EOF或错误）即关闭两端。
// 正常关闭不作为错误返回。
func Relay(a, b transport.Stream) (Result, error) {
	var (
		result Result
		wg     sync.WaitGroup
	)
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := copyStream(b, a)
		result.Up = n
		errCh <- err
	}()
	go func() {
		defer wg.Done()
		n, err := copyStream(a, b)
		result.Down = n
		errCh <- err
	}()

	// 等待任一方向结束后立即关闭两端，不保留半开连接；
	// copyStream中的CloseWrite只保证对端先读到有序的EOF
	err := <-errCh
	a.Close()
	b.Close()
	wg.Wait()

	if transport.IsClosed(err) {
		err = nil
	}
	return result, err
}

// copyStream 从src复制到dst；src读到EOF时半关闭dst
func copyStream(dst, src transport.Stream) (int64, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	var total int64
	for {
		n, err := src.Read(*buf)
		if n > 0 {
			written, werr := dst.Write((*buf)[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
		}
		if err != nil {
			if err == io.EOF {
				dst.CloseWrite()
				return total, nil
			}
			return total, err
		}
	}
}
