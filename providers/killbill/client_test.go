package killbill

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/conductor/providers"
	"github.com/yairfalse/conductor/retrypolicy"
	"github.com/yairfalse/conductor/types"
)

func singleShot() retrypolicy.Policy {
	return retrypolicy.Policy{Attempts: 1, Delay: time.Millisecond}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(Config{
		APIURL:    srv.URL + "/1.0/kb",
		Username:  "admin",
		Password:  "password",
		APIKey:    "bob",
		APISecret: "lazar",
		Version:   "1.2.3",
	}, singleShot())
	require.NoError(t, err)
	return client, srv
}

func TestNew_MissingCredentials(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"no url", Config{APIKey: "k", APISecret: "s"}, "billing.api_url"},
		{"no key", Config{APIURL: "http://kb", APISecret: "s"}, "billing.api_key"},
		{"no secret", Config{APIURL: "http://kb", APIKey: "k"}, "billing.api_secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, singleShot())
			var cfgErr *types.ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestClient_CreateAccountFollowsLocation(t *testing.T) {
	var posted map[string]string
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/1.0/kb/accounts":
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "conductor", r.Header.Get("X-Killbill-CreatedBy"))
			assert.Equal(t, "bob", r.Header.Get("X-Killbill-ApiKey"))
			assert.Equal(t, "lazar", r.Header.Get("X-Killbill-ApiSecret"))
			assert.Equal(t, "conductor/1.2.3", r.Header.Get("User-Agent"))
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "admin", user)
			assert.Equal(t, "password", pass)

			assert.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
			w.Header().Set("Location", "http://"+r.Host+"/1.0/kb/accounts/acc-1")
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodGet && r.URL.Path == "/1.0/kb/accounts/acc-1":
			assert.Empty(t, r.Header.Get("X-Killbill-CreatedBy"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"accountId":"acc-1","name":"Alice","externalKey":"cust-1","currency":"USD"}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})
	_ = srv

	account, err := client.CreateAccount(context.Background(), "Alice", "cust-1")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", account.ID)
	assert.Equal(t, map[string]string{"name": "Alice", "externalKey": "cust-1", "currency": "USD"}, posted)
}

func TestClient_GetAccount(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1.0/kb/accounts/acc-1", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("accountWithBalance"))
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"accountId":"acc-1","accountBalance":12.5}`))
	})

	account, err := client.GetAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 12.5, account.Balance)
}

func TestClient_FindAccount(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1.0/kb/accounts", r.URL.Path)
		if r.URL.Query().Get("externalKey") != "cust-1" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Account does not exist"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accountId":"acc-1","externalKey":"cust-1"}`))
	})

	account, err := client.FindAccount(context.Background(), "cust-1")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", account.ID)

	_, err = client.FindAccount(context.Background(), "cust-2")
	var backendErr *types.BackendError
	require.True(t, errors.As(err, &backendErr))
	assert.Equal(t, http.StatusNotFound, backendErr.StatusCode)
}

func TestClient_CreateSubscription(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"subscriptionId":"sub-1","accountId":"acc-1","productName":"IaasInstance"}`))
			return
		}
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "IaasInstance", body["productName"])
		assert.Equal(t, "STANDALONE", body["productCategory"])
		assert.Equal(t, "MONTHLY", body["billingPeriod"])
		assert.Equal(t, "DEFAULT", body["priceList"])
		assert.Equal(t, "r1", body["externalKey"])
		w.Header().Set("Location", "/1.0/kb/subscriptions/sub-1")
		w.WriteHeader(http.StatusCreated)
	})

	sub, err := client.CreateSubscription(context.Background(), providers.SubscriptionRequest{
		AccountID: "acc-1", ExternalKey: "r1", ProductName: "IaasInstance",
	})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.ID)
}

func TestClient_DeleteSubscription(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/1.0/kb/subscriptions/sub-1", r.URL.Path)
		assert.Equal(t, "conductor", r.Header.Get("X-Killbill-CreatedBy"))
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.DeleteSubscription(context.Background(), "sub-1"))
}

func TestClient_PushUsage(t *testing.T) {
	var got providers.UsageDocument
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1.0/kb/usages", r.URL.Path)
		assert.Equal(t, "req-42", r.Header.Get("X-Request-Id"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	})

	doc := providers.UsageDocument{
		SubscriptionID: "sub-1",
		UnitUsageRecords: []providers.UnitUsage{{
			UnitType:     "hour-of-flavor-small",
			UsageRecords: []providers.UsageAmount{{RecordDate: "2024-03-05", Amount: "3"}},
		}},
	}
	ctx := ContextWithRequestID(context.Background(), "req-42")
	require.NoError(t, client.PushUsage(ctx, doc))
	assert.Equal(t, doc, got)
}

func TestClient_PushCatalogUsesXML(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1.0/kb/catalog", r.URL.Path)
		assert.Equal(t, "application/xml", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "<catalog/>", string(body))
		w.WriteHeader(http.StatusCreated)
	})

	require.NoError(t, client.PushCatalog(context.Background(), []byte("<catalog/>")))
}

func TestClient_DryRunInvoice(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1.0/kb/invoices/dryRun", r.URL.Path)
		assert.Equal(t, "acc-1", r.URL.Query().Get("accountId"))
		assert.Equal(t, "2024-03-05", r.URL.Query().Get("targetDate"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"invoiceId":"inv-1","amount":42.5,"currency":"USD"}`))
	})

	invoice, err := client.DryRunInvoice(context.Background(), "acc-1", time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 42.5, invoice.Amount)
}

func TestClient_SetClock(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1.0/kb/test/clock", r.URL.Path)
		assert.Equal(t, "2024-03-05T00:00:00Z", r.URL.Query().Get("requestedDate"))
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.SetClock(context.Background(), time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)))
}

func TestClient_ErrorReasons(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		want        string
	}{
		{
			name:        "json message",
			status:      http.StatusBadRequest,
			contentType: "application/json",
			body:        `{"message":"Account does not exist"}`,
			want:        "400. Request to Kill Bill backend failed: Account does not exist",
		},
		{
			name:        "html pre on 500",
			status:      http.StatusInternalServerError,
			contentType: "text/html",
			body:        "<html><body><pre>\n  java.lang.NullPointerException: &lt;null&gt;\n  at Foo</pre></body></html>",
			want:        "500. Request to Kill Bill backend failed: java.lang.NullPointerException: <null>",
		},
		{
			name:        "markup inside pre",
			status:      http.StatusInternalServerError,
			contentType: "text/html",
			body:        "<html><head><title>Error</title></head><body><h1>HTTP 500</h1><PRE class=\"trace\"><b>SQLException</b>: lock wait &amp; timeout\n at Dao</PRE></body></html>",
			want:        "500. Request to Kill Bill backend failed: SQLException: lock wait & timeout",
		},
		{
			name:        "500 without pre",
			status:      http.StatusInternalServerError,
			contentType: "text/html",
			body:        "<html><body><p>oops</p></body></html>",
			want:        "500. Request to Kill Bill backend failed: Internal Server Error",
		},
		{
			name:        "reason phrase",
			status:      http.StatusNotFound,
			contentType: "text/plain",
			body:        "nope",
			want:        "404. Request to Kill Bill backend failed: Not Found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.GetAccount(context.Background(), "acc-1")

			var be *types.BackendError
			require.True(t, errors.As(err, &be))
			assert.Equal(t, tt.want, be.Reason)
			assert.Equal(t, tt.status, be.StatusCode)
		})
	}
}

func TestClient_TransportFailureIsBackendError(t *testing.T) {
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	err := client.PushCatalog(context.Background(), []byte("<catalog/>"))
	assert.True(t, types.IsBackendError(err))
}
