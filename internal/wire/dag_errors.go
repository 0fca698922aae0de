package wire

import "github.com/pkg/errors"

func errNoSuchFunction(name string) error {
	return errors.Errorf("dag references unknown function %q", name)
}

func errCyclicDag(name string) error {
	return errors.Errorf("dag %q contains a cycle", name)
}
