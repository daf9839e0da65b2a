// SPDX-License-Identifier: MIT

package upstream

import (
	"strings"
	"testing"

	"github.com/renewtv/renewd/internal/domain/operation/model"
)

func TestDriverRegistration(t *testing.T) {
	if _, err := Driver("nope"); err == nil {
		t.Fatal("unknown driver resolved")
	}

	factory := Factory(func(account *model.Account, proxy *model.Proxy) (Client, error) {
		return nil, nil
	})
	RegisterDriver("stub", factory)

	got, err := Driver("stub")
	if err != nil {
		t.Fatalf("Driver: %v", err)
	}
	if got == nil {
		t.Fatal("registered driver came back nil")
	}

	names := DriverNames()
	if len(names) != 1 || names[0] != "stub" {
		t.Fatalf("DriverNames = %v", names)
	}

	_, err = Driver("other")
	if err == nil || !strings.Contains(err.Error(), "stub") {
		t.Fatalf("error should list linked drivers, got %v", err)
	}
}

func TestRegisterDriver_DuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("duplicate registration did not panic")
		}
	}()
	factory := Factory(func(account *model.Account, proxy *model.Proxy) (Client, error) {
		return nil, nil
	})
	RegisterDriver("dup", factory)
	RegisterDriver("dup", factory)
}
