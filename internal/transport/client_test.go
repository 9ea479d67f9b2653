package transport

import (
	"errors"
	"testing"

	"github.com/bigbrotr/bigbrotr/internal/errs"
	"github.com/bigbrotr/bigbrotr/internal/models"
)

func TestClassifyDialErrOverlayIsPermanent(t *testing.T) {
	relay := models.Relay{URL: "wss://abc.onion", Network: models.NetworkTor}
	err := classifyDialErr(relay, errors.New("no route to host"))
	if errs.KindOf(err) != errs.KindPermanentNet {
		t.Errorf("expected permanent_net for overlay dial failure, got %s", errs.KindOf(err))
	}
}

func TestClassifyDialErrClearnetIsTransient(t *testing.T) {
	relay := models.Relay{URL: "wss://relay.example.com", Network: models.NetworkClearnet}
	err := classifyDialErr(relay, errors.New("connection refused"))
	if errs.KindOf(err) != errs.KindTransientNet {
		t.Errorf("expected transient_net for clearnet dial failure, got %s", errs.KindOf(err))
	}
}
