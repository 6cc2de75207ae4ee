//go:build llama

package llamacpp

// cgo link directives for the in-process runtime.
// - rpath $ORIGIN so libllama.so and libggml*.so are found next to the binary (./bin).
// - -L${SRCDIR}/../../../bin so the linker finds libllama.so at link time.
/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../../bin -lllama
*/
import "C"
