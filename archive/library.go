package archive

import (
	"fmt"
	"sync"
)

// Library is a structured archive parser. Its folder and message objects are
// opaque and are only accessed through capability probing, so bindings with
// different accessor names can be plugged in unchanged.
type Library interface {
	Name() string
	Open(path string) (Session, error)
}

// Session is one open archive inside a Library.
type Session interface {
	Root() (any, error)
	Close() error
}

var (
	registryMu sync.RWMutex
	registered Library
)

// Register makes lib the default library for archives opened without an explicit one.
func Register(lib Library) {
	registryMu.Lock()
	registered = lib
	registryMu.Unlock()
}

// Registered returns the default library, or nil.
func Registered() Library {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registered
}

// openSession opens path with lib, turning panics inside the binding into errors.
func openSession(lib Library, path string) (session Session, root any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if session != nil {
				_ = session.Close()
			}
			session, root, err = nil, nil, fmt.Errorf("%s panicked: %v", lib.Name(), r)
		}
	}()

	session, err = lib.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%s open: %w", lib.Name(), err)
	}
	if session == nil {
		return nil, nil, fmt.Errorf("%s open: no session", lib.Name())
	}

	root, err = session.Root()
	if err != nil {
		_ = session.Close()
		return nil, nil, fmt.Errorf("%s root folder: %w", lib.Name(), err)
	}
	if root == nil {
		_ = session.Close()
		return nil, nil, fmt.Errorf("%s root folder: missing", lib.Name())
	}
	return session, root, nil
}

func closeSession(session Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("close panicked: %v", r)
		}
	}()
	return session.Close()
}
