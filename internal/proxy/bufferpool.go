package proxy

import "sync"

const relayBufferSize = 32 * 1024

// bufferPool 全局buffer池，减少GC压力
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, relayBufferSize)
		return &buf
	},
}

func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func putBuffer(buf *[]byte) {
	bufferPool.Put(buf)
}
