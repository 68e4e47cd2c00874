/*
Teal Mail Server - IMAP, POP3 and JMAP mailbox backend.
Copyright © 2025 The Teal Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package memauth

import (
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/tealmail/teal/framework/module"
)

func newTestAuth(t *testing.T) *Auth {
	t.Helper()
	mod, err := New("auth.memory", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	a := mod.(*Auth)
	a.bcryptCost = bcrypt.MinCost
	return a
}

func TestAuthPlain(t *testing.T) {
	a := newTestAuth(t)
	if err := a.CreateUser("mira", "secret"); err != nil {
		t.Fatal(err)
	}

	if err := a.AuthPlain("mira", "secret"); err != nil {
		t.Errorf("valid credentials rejected: %v", err)
	}
	if err := a.AuthPlain("mira", "wrong"); !errors.Is(err, module.ErrUnknownCredentials) {
		t.Errorf("wrong password: want ErrUnknownCredentials, got %v", err)
	}
	if err := a.AuthPlain("nobody", "secret"); !errors.Is(err, module.ErrUnknownCredentials) {
		t.Errorf("unknown user: want ErrUnknownCredentials, got %v", err)
	}
}

func TestUsernameNormalization(t *testing.T) {
	a := newTestAuth(t)
	if err := a.CreateUser("Mira", "secret"); err != nil {
		t.Fatal(err)
	}

	// PRECIS UsernameCaseMapped folds case, so the login name is not
	// case-sensitive.
	if err := a.AuthPlain("mira", "secret"); err != nil {
		t.Errorf("case-folded login rejected: %v", err)
	}
	if err := a.CreateUser("MIRA", "other"); err == nil {
		t.Error("duplicate user created through case variation")
	}
}

func TestUserManagement(t *testing.T) {
	a := newTestAuth(t)
	if err := a.CreateUser("mira", "secret"); err != nil {
		t.Fatal(err)
	}

	if err := a.SetUserPassword("mira", "rotated"); err != nil {
		t.Fatal(err)
	}
	if err := a.AuthPlain("mira", "secret"); err == nil {
		t.Error("old password still accepted")
	}
	if err := a.AuthPlain("mira", "rotated"); err != nil {
		t.Errorf("new password rejected: %v", err)
	}

	users, err := a.ListUsers()
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0] != "mira" {
		t.Fatalf("unexpected user list: %v", users)
	}

	if err := a.DeleteUser("mira"); err != nil {
		t.Fatal(err)
	}
	if err := a.AuthPlain("mira", "rotated"); !errors.Is(err, module.ErrUnknownCredentials) {
		t.Errorf("deleted user still authenticates: %v", err)
	}
	if err := a.DeleteUser("mira"); !errors.Is(err, module.ErrUnknownCredentials) {
		t.Errorf("double delete: want ErrUnknownCredentials, got %v", err)
	}
}
