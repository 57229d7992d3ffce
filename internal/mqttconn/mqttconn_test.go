package mqttconn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{ClientID: "gw"})
	require.ErrorContains(t, err, "broker URL")

	_, err = New(Options{BrokerURL: "ssl://iot.example.com:8883"})
	require.ErrorContains(t, err, "client ID")

	_, err = New(Options{BrokerURL: "not a url", ClientID: "gw"})
	require.ErrorContains(t, err, "invalid broker URL")
}

func TestNewRejectsIncompleteKeypair(t *testing.T) {
	_, err := New(Options{
		BrokerURL: "ssl://iot.example.com:8883",
		ClientID:  "gw",
		CertFile:  "cert.pem",
	})
	require.ErrorContains(t, err, "cert and key must both be set")
}

func TestNewRejectsUnreadableCA(t *testing.T) {
	_, err := New(Options{
		BrokerURL: "ssl://iot.example.com:8883",
		ClientID:  "gw",
		CAFile:    filepath.Join(t.TempDir(), "missing.pem"),
	})
	require.ErrorContains(t, err, "reading CA file")
}

func TestNewRejectsNonCertCA(t *testing.T) {
	caFile := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(caFile, []byte("not a certificate"), 0o600))

	_, err := New(Options{
		BrokerURL: "ssl://iot.example.com:8883",
		ClientID:  "gw",
		CAFile:    caFile,
	})
	require.ErrorContains(t, err, "no certificates found")
}

func TestNewLoadsTLSFiles(t *testing.T) {
	caFile, certFile, keyFile := makeCertFiles(t)

	conn, err := New(Options{
		BrokerURL: "ssl://iot.example.com:8883",
		ClientID:  "gw",
		CAFile:    caFile,
		CertFile:  certFile,
		KeyFile:   keyFile,
	})
	require.NoError(t, err)
	assert.False(t, conn.Connected())
}

func TestBindRoutesMessages(t *testing.T) {
	conn, err := New(Options{BrokerURL: "tcp://localhost:1883", ClientID: "gw"})
	require.NoError(t, err)

	// Without a bound consumer the message is dropped, not panicked on.
	conn.handleMessage(nil, fakeMessage{topic: "a/b", payload: []byte("x")})

	var gotTopic string
	var gotPayload []byte

	conn.Bind(nil, func(topic string, payload []byte) {
		gotTopic = topic
		gotPayload = payload
	})

	conn.handleMessage(nil, fakeMessage{topic: "$aws/things/t/shadow/update/accepted", payload: []byte(`{}`)})

	assert.Equal(t, "$aws/things/t/shadow/update/accepted", gotTopic)
	assert.Equal(t, []byte(`{}`), gotPayload)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return subscribeQoS }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

var _ mqtt.Message = fakeMessage{}

// makeCertFiles writes a self-signed certificate usable as both CA and
// client keypair.
func makeCertFiles(t *testing.T) (caFile, certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	caFile = filepath.Join(dir, "ca.pem")
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	require.NoError(t, os.WriteFile(caFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))

	return caFile, certFile, keyFile
}
