package dbus

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var machineIDFiles = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// MachineID returns the ID of the local machine, as reported by the
// Peer.GetMachineId method.
var MachineID = sync.OnceValues(func() (string, error) {
	return readMachineID(machineIDFiles)
})

func readMachineID(paths []string) (string, error) {
	var errs []error
	for _, p := range paths {
		bs, err := os.ReadFile(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		id := strings.TrimSpace(string(bs))
		if !validMachineID(id) {
			errs = append(errs, fmt.Errorf("invalid machine ID %q in %s", id, p))
			continue
		}
		return id, nil
	}
	return "", errors.Join(errs...)
}

func validMachineID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// RandomMachineID returns a machine ID that is stable for the
// lifetime of the process. It is for hosts that lack a machine-id
// file, such as minimal containers.
var RandomMachineID = sync.OnceValue(func() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
})

// MachineIDOrRandom returns [MachineID], or [RandomMachineID] if the
// local machine has no machine ID.
func MachineIDOrRandom() (string, error) {
	if id, err := MachineID(); err == nil {
		return id, nil
	}
	return RandomMachineID(), nil
}
