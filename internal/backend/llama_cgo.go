//go:build llama

package backend

// cgo link directives for the in-process llama backend.
// - rpath of $ORIGIN so the runtime loader finds libllama.so and libggml*.so
//   next to the built binary (./bin).
// - -L${SRCDIR}/../../bin so the linker finds libllama.so at link time.
/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../bin -lllama
#cgo CFLAGS: -I${SRCDIR}/../../third_party/llama.cpp/include
*/
import "C"
