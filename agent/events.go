package main

import (
	"collabtext/internal/conflict"
	"collabtext/internal/docstore"
	"collabtext/internal/protocol"
)

// uiEvent is everything the agent pushes to browser tabs.
type uiEvent struct {
	Event      string                       `json:"event"` // memo, memo_deleted, state, error
	Memo       *docstore.Document           `json:"memo,omitempty"`
	MemoID     string                       `json:"memoId,omitempty"`
	Memos      []docstore.Document          `json:"memos,omitempty"`
	Self       *protocol.UserPresence       `json:"self,omitempty"`
	Users      []protocol.UserPresence      `json:"users,omitempty"`
	Connection *protocol.ConnectionState    `json:"connection,omitempty"`
	Conflicts  *conflict.Stats              `json:"conflicts,omitempty"`
	Pending    *protocol.ConflictResolution `json:"pendingConflict,omitempty"`
	Message    string                       `json:"message,omitempty"`
	ClientID   string                       `json:"clientID,omitempty"`
}

// notifyingStore pushes a memo snapshot to the tabs after every successful
// mutation, whether it came from a tab or from a collaborator.
type notifyingStore struct {
	docstore.Store
	hub *Hub
}

func (s *notifyingStore) Create(id string, pos docstore.Point) error {
	if err := s.Store.Create(id, pos); err != nil {
		return err
	}
	s.publish(id)
	return nil
}

func (s *notifyingStore) Delete(id string) error {
	if err := s.Store.Delete(id); err != nil {
		return err
	}
	s.hub.Publish(uiEvent{Event: "memo_deleted", MemoID: id})
	return nil
}

func (s *notifyingStore) UpdatePosition(id string, x, y float64) error {
	if err := s.Store.UpdatePosition(id, x, y); err != nil {
		return err
	}
	s.publish(id)
	return nil
}

func (s *notifyingStore) Update(id string, patch docstore.Patch) error {
	if err := s.Store.Update(id, patch); err != nil {
		return err
	}
	s.publish(id)
	return nil
}

func (s *notifyingStore) publish(id string) {
	d, err := s.Store.Get(id)
	if err != nil {
		return
	}
	s.hub.Publish(uiEvent{Event: "memo", Memo: &d})
}
