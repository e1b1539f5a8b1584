package fixture

import (
	"context"
	"fmt"
	"os"

	log "github.com/authzed/objectdb/internal/logging"
	"github.com/authzed/objectdb/internal/datastore/memdb"
	"github.com/authzed/objectdb/pkg/datastore"
	"github.com/authzed/objectdb/pkg/schema"
)

// Populated contains the fully loaded information from a fixture file.
type Populated struct {
	File    File
	Catalog *schema.Catalog
	Store   *memdb.Store

	// IDs maps object names to the ids they were stored under.
	IDs   map[string]datastore.ID
	Names map[datastore.ID]string
}

// NameOf returns the fixture name of the id, or the id itself for objects
// the fixture did not name.
func (p *Populated) NameOf(id datastore.ID) string {
	if name, ok := p.Names[id]; ok {
		return name
	}
	return id.String()
}

// PopulateFromFile loads the fixture file into a new store.
func PopulateFromFile(ctx context.Context, filePath string) (*Populated, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	populated, err := PopulateFromContents(ctx, contents)
	if err != nil {
		return nil, fmt.Errorf("unable to load fixture `%s`: %w", filePath, err)
	}
	return populated, nil
}

// PopulateFromContents loads the fixture contents into a new store. Objects
// are inserted without their ref fields first, so that references may point
// at objects declared later, and updated with the resolved references after.
func PopulateFromContents(ctx context.Context, contents []byte) (*Populated, error) {
	file, err := ParseFile(contents)
	if err != nil {
		return nil, err
	}

	catalog, err := schema.NewCatalog(file.Classes...)
	if err != nil {
		return nil, err
	}
	store, err := memdb.NewStore(catalog)
	if err != nil {
		return nil, err
	}

	p := &Populated{
		File:    file,
		Catalog: catalog,
		Store:   store,
		IDs:     make(map[string]datastore.ID, len(file.Objects)),
		Names:   make(map[datastore.ID]string, len(file.Objects)),
	}

	refs := make([]map[string]any, len(file.Objects))
	for i, obj := range file.Objects {
		if obj.Name == "" {
			return nil, fmt.Errorf("object #%d has no name", i)
		}
		if _, ok := p.IDs[obj.Name]; ok {
			return nil, fmt.Errorf("object `%s` is declared twice", obj.Name)
		}

		inline := make(map[string]any, len(obj.Fields))
		for name, value := range obj.Fields {
			f, ok := catalog.LookupField(obj.Class, name)
			if ok && f.ValueKind() == schema.KindRef {
				if refs[i] == nil {
					refs[i] = make(map[string]any)
				}
				refs[i][name] = value
				continue
			}
			inline[name] = value
		}

		id, err := store.Insert(ctx, obj.Class, inline)
		if err != nil {
			return nil, fmt.Errorf("unable to store object `%s`: %w", obj.Name, err)
		}
		p.IDs[obj.Name] = id
		p.Names[id] = obj.Name
	}

	for i, obj := range file.Objects {
		if refs[i] == nil {
			continue
		}

		resolved := make(map[string]any, len(refs[i]))
		for name, value := range refs[i] {
			ref, err := p.resolveRefs(value)
			if err != nil {
				return nil, fmt.Errorf("object `%s` field `%s`: %w", obj.Name, name, err)
			}
			resolved[name] = ref
		}
		if err := store.Update(ctx, p.IDs[obj.Name], resolved); err != nil {
			return nil, fmt.Errorf("unable to store references of object `%s`: %w", obj.Name, err)
		}
	}

	log.Ctx(ctx).Debug().
		Int("classes", len(file.Classes)).
		Int("objects", len(file.Objects)).
		Int("queries", len(file.Queries)).
		Msg("populated fixture")
	return p, nil
}

// resolveRefs replaces object names by their ids, element-wise for
// sequences.
func (p *Populated) resolveRefs(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		id, ok := p.IDs[v]
		if !ok {
			return nil, fmt.Errorf("unknown object `%s`", v)
		}
		return id, nil
	case []any:
		ids := make([]any, 0, len(v))
		for _, el := range v {
			id, err := p.resolveRefs(el)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("references are object names, found %T", value)
	}
}
