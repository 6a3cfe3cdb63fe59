package params

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

var variants = []Variant{VariantAtomic, VariantSerialized}

func TestParseVariant(t *testing.T) {
	for _, v := range variants {
		got, err := ParseVariant(string(v))
		if err != nil || got != v {
			t.Errorf("ParseVariant(%q) = %q, %v", v, got, err)
		}
	}
	if _, err := ParseVariant("optimistic"); err == nil {
		t.Error("expected error for unknown variant")
	}
}

func TestEngine_LoadResourceTypes(t *testing.T) {
	e := newEngine(newFakeConn(newMemStore()), VariantAtomic)
	types, err := e.LoadResourceTypes(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if types["Patient"] != 1 || types["Observation"] != 2 {
		t.Errorf("unexpected resource types: %v", types)
	}
}

func TestEngine_ResolveParameterNames(t *testing.T) {
	for _, variant := range variants {
		t.Run(string(variant), func(t *testing.T) {
			store := newMemStore()
			existing := store.addName("birthdate")
			e := newEngine(newFakeConn(store), variant)

			values := names("name", "birthdate", "gender")
			if err := e.ResolveParameterNames(context.Background(), values); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for _, v := range values {
				if !v.Resolved() {
					t.Errorf("%s not resolved", v.Name)
				}
				if v.ID != store.names[v.Name] {
					t.Errorf("%s: id %d, stored %d", v.Name, v.ID, store.names[v.Name])
				}
			}
			if values[0].Name != "birthdate" || values[0].ID != existing {
				t.Errorf("existing value not reused: %+v", values[0])
			}

			// Resolving again yields the same ids without inserts.
			again := names("gender", "name")
			conn := e.conn.(*fakeConn)
			conn.reset()
			if err := e.ResolveParameterNames(context.Background(), again); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if conn.count("INSERT") != 0 {
				t.Errorf("expected no inserts for known names")
			}
			if again[0].ID != store.names["gender"] || again[1].ID != store.names["name"] {
				t.Errorf("ids changed between resolves")
			}
		})
	}
}

func TestEngine_ConcurrentWriterWins(t *testing.T) {
	for _, variant := range variants {
		t.Run(string(variant), func(t *testing.T) {
			store := newMemStore()
			conn := newFakeConn(store)
			conn.inTx = true
			var raced int32
			conn.beforeInsert = func(string, []any) {
				if raced == 0 {
					raced = store.addName("code")
				}
			}
			e := newEngine(conn, variant)

			values := names("code", "subject")
			if err := e.ResolveParameterNames(context.Background(), values); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if values[0].ID != raced {
				t.Errorf("expected the concurrently created id %d, got %d", raced, values[0].ID)
			}
			if !values[1].Resolved() {
				t.Error("subject not resolved")
			}
			if variant == VariantSerialized && conn.count("ROLLBACK TO SAVEPOINT") != 1 {
				t.Errorf("expected one savepoint rollback for the duplicate, got %d", conn.count("ROLLBACK TO SAVEPOINT"))
			}
		})
	}
}

func TestEngine_SerializedInsertOrder(t *testing.T) {
	store := newMemStore()
	conn := newFakeConn(store)
	e := newEngine(conn, VariantSerialized)

	if err := e.ResolveCodeSystems(context.Background(), []*CodeSystemValue{
		{System: "http://snomed.info/sct"},
		{System: "http://loinc.org"},
		{System: "http://hl7.org/fhir/sid/icd-10"},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var inserted []int32
	for _, s := range []string{"http://hl7.org/fhir/sid/icd-10", "http://loinc.org", "http://snomed.info/sct"} {
		inserted = append(inserted, store.systems[s])
	}
	if !(inserted[0] < inserted[1] && inserted[1] < inserted[2]) {
		t.Errorf("inserts not issued in sorted order: %v", inserted)
	}
	if conn.count("SAVEPOINT") != 0 {
		t.Error("savepoints are only used inside a transaction")
	}
}

func TestEngine_TokensRequireCodeSystem(t *testing.T) {
	e := newEngine(newFakeConn(newMemStore()), VariantAtomic)
	err := e.ResolveCommonTokenValues(context.Background(), []*CommonTokenValue{
		{CodeSystem: &CodeSystemValue{System: "http://loinc.org"}, TokenValue: "1234-5"},
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestEngine_ResolveAllKinds(t *testing.T) {
	for _, variant := range variants {
		t.Run(string(variant), func(t *testing.T) {
			store := newMemStore()
			e := newEngine(newFakeConn(store), variant)
			ctx := context.Background()

			loinc := &CodeSystemValue{System: "http://loinc.org"}
			if err := e.ResolveCodeSystems(ctx, []*CodeSystemValue{loinc}); err != nil {
				t.Fatalf("code systems: %v", err)
			}

			tokens := []*CommonTokenValue{
				{CodeSystem: loinc, TokenValue: "8867-4"},
				{CodeSystem: loinc, TokenValue: "1234-5"},
			}
			if err := e.ResolveCommonTokenValues(ctx, tokens); err != nil {
				t.Fatalf("tokens: %v", err)
			}
			for _, tv := range tokens {
				if tv.ID != store.tokens[tokenRowKey{loinc.ID, tv.TokenValue}] {
					t.Errorf("token %s: id %d", tv, tv.ID)
				}
			}

			canonicals := []*CommonCanonicalValue{{URL: "http://hl7.org/fhir/StructureDefinition/vitalsigns"}}
			if err := e.ResolveCanonicals(ctx, canonicals); err != nil {
				t.Fatalf("canonicals: %v", err)
			}
			if !canonicals[0].Resolved() {
				t.Error("canonical not resolved")
			}

			idents := []*LogicalResourceIdentValue{
				{ResourceTypeID: 1, ResourceType: "Patient", LogicalID: "p2"},
				{ResourceTypeID: 1, ResourceType: "Patient", LogicalID: "p1"},
			}
			if err := e.ResolveLogicalResourceIdents(ctx, idents); err != nil {
				t.Fatalf("idents: %v", err)
			}
			for _, v := range idents {
				if v.LogicalResourceID != store.idents[identRowKey{1, v.LogicalID}] {
					t.Errorf("ident %s: id %d", v, v.LogicalResourceID)
				}
			}
		})
	}
}

func TestEngine_ConsistencyFault(t *testing.T) {
	for _, variant := range variants {
		t.Run(string(variant), func(t *testing.T) {
			store := newMemStore()
			store.dropInserts = true
			e := newEngine(newFakeConn(store), variant)

			err := e.ResolveCanonicals(context.Background(), []*CommonCanonicalValue{{URL: "http://example.org/profile"}})
			if !errors.Is(err, ErrConsistency) {
				t.Fatalf("expected ErrConsistency, got %v", err)
			}
		})
	}
}

func TestEngine_DeadlockIsRetryable(t *testing.T) {
	for _, variant := range variants {
		t.Run(string(variant), func(t *testing.T) {
			conn := newFakeConn(newMemStore())
			conn.failOn = "INSERT INTO code_systems"
			conn.failErr = &pgconn.PgError{Code: sqlStateDeadlockDetected, Message: "deadlock detected"}
			e := newEngine(conn, variant)

			err := e.ResolveCodeSystems(context.Background(), []*CodeSystemValue{{System: "urn:oid:1.2.3"}})
			if !errors.Is(err, ErrRetryable) {
				t.Fatalf("expected retryable error, got %v", err)
			}
		})
	}
}

func TestEngine_ConcurrentResolversAgree(t *testing.T) {
	for _, variant := range variants {
		t.Run(string(variant), func(t *testing.T) {
			store := newMemStore()
			const workers = 8

			results := make([]map[string]int32, workers)
			errs := make([]error, workers)
			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					e := newEngine(newFakeConn(store), variant)
					var values []*ParameterNameValue
					for i := 0; i < 20; i++ {
						// overlapping sets in different orders
						values = append(values, &ParameterNameValue{Name: fmt.Sprintf("p%02d", (i*7+w)%20)})
					}
					errs[w] = e.ResolveParameterNames(context.Background(), values)
					results[w] = make(map[string]int32)
					for _, v := range values {
						results[w][v.Name] = v.ID
					}
				}(w)
			}
			wg.Wait()

			for w := 0; w < workers; w++ {
				if errs[w] != nil {
					t.Fatalf("worker %d: %v", w, errs[w])
				}
				for name, id := range results[w] {
					if id != store.names[name] {
						t.Errorf("worker %d: %s = %d, stored %d", w, name, id, store.names[name])
					}
				}
			}
			if len(store.names) != 20 {
				t.Errorf("expected 20 distinct names, got %d", len(store.names))
			}
		})
	}
}

func TestMultiRowInsert(t *testing.T) {
	got := multiRowInsert("common_token_values", []string{"code_system_id", "token_value"}, 2, "common_token_value_id")
	want := "INSERT INTO common_token_values (code_system_id, token_value) VALUES (?, ?), (?, ?)" +
		" ON CONFLICT DO NOTHING RETURNING common_token_value_id"
	if got != want {
		t.Errorf("multiRowInsert =\n%s\nwant\n%s", got, want)
	}
}

func TestSelectCommonTokenValues(t *testing.T) {
	q := selectCommonTokenValues(3)
	if strings.Count(q, "(CAST(? AS INTEGER), ?)") != 3 {
		t.Errorf("expected three VALUES tuples: %s", q)
	}
}

func TestEngine_DuplicateCandidatesShareID(t *testing.T) {
	for _, variant := range variants {
		t.Run(string(variant), func(t *testing.T) {
			store := newMemStore()
			e := newEngine(newFakeConn(store), variant)

			first, second := &ParameterNameValue{Name: "code"}, &ParameterNameValue{Name: "code"}
			if err := e.ResolveParameterNames(context.Background(), []*ParameterNameValue{first, second}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !first.Resolved() || first.ID != second.ID || first.ID != store.names["code"] {
				t.Errorf("ids = %d, %d, stored %d", first.ID, second.ID, store.names["code"])
			}
			if len(store.names) != 1 {
				t.Errorf("expected one stored name, got %d", len(store.names))
			}
		})
	}
}
