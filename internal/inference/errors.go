package inference

import "fmt"

func errUnsupportedRuntime(kind RuntimeKind) error {
	return fmt.Errorf("unsupported runtime %s", kind)
}

func errNoBackend(kind RuntimeKind) error {
	return fmt.Errorf("no backend configured for runtime %s", kind)
}

func errLabelCount(key string, n int) error {
	return fmt.Errorf("binary classifier %s has %d labels, want 2", key, n)
}
