// ============================================================================
// 計算參數驗證 (Parameter Validation)
// ============================================================================
//
// Package: internal/validate
// 文件: validate.go
// 功能: 提交計算時同步執行一次的參數檢查
//
// 檢查規則 (Rules):
//   - type 必須是網路設定允許的計算類型
//   - granger 需要整數 lag_min >= 0 且 lag_min <= lag_max
//   - datasets 列出的 {ownerId, name} 必須存在於資料集目錄
//
// 驗證失敗一律包裝 types.ErrValidationFailed
//
// ============================================================================

package validate

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/ChuLiYu/mpc-orchestrator/internal/catalog"
	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

// Validator decides whether parameters may start the compile phase.
// A rejection must wrap types.ErrValidationFailed.
type Validator interface {
	Validate(ctx context.Context, cfg types.NetConfig, params map[string]interface{}) error
}

// Rules is the default Validator.
//
//   - "type" must be a non-empty string allowed by the netconfig
//   - "granger" needs integer lag_min >= 0 and lag_min <= lag_max
//   - "datasets", when present, lists {ownerId, name} objects known to the catalog;
//     for granger, lag_max must be below the row count of each referenced dataset
//     that declares one
type Rules struct {
	Catalog catalog.Catalog
}

// NewRules returns the default rule set. cat may be nil to skip dataset checks.
func NewRules(cat catalog.Catalog) *Rules {
	return &Rules{Catalog: cat}
}

// Validate implements Validator.
func (r *Rules) Validate(ctx context.Context, cfg types.NetConfig, params map[string]interface{}) error {
	if params == nil {
		return reject("parameters must be an object")
	}

	typ, ok := params["type"].(string)
	if !ok || typ == "" {
		return reject(`"type" must be a non-empty string`)
	}
	if !cfg.Allows(typ) {
		return reject("computation type %q is not allowed by netconfig %q", typ, cfg.ID)
	}

	var lagMax int
	if typ == "granger" {
		lagMin, err := intParam(params, "lag_min")
		if err != nil {
			return err
		}
		if lagMax, err = intParam(params, "lag_max"); err != nil {
			return err
		}
		if lagMin < 0 {
			return reject("lag_min must be larger or equal to zero")
		}
		if lagMin > lagMax {
			return reject("lag_min must be smaller or equal to lag_max")
		}
	}

	refs, err := datasetRefs(params)
	if err != nil {
		return err
	}
	if len(refs) == 0 || r.Catalog == nil {
		return nil
	}
	for _, ref := range refs {
		d, err := r.Catalog.Lookup(ctx, ref)
		if errors.Is(err, types.ErrNotFound) {
			return reject("dataset %s does not exist", ref)
		}
		if err != nil {
			return fmt.Errorf("lookup dataset %s: %w", ref, err)
		}
		if typ == "granger" && d.Rows > 0 && lagMax >= d.Rows {
			return reject("lag_max must be smaller than the length of dataset %s (%d)", ref, d.Rows)
		}
	}
	return nil
}

func reject(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", types.ErrValidationFailed, fmt.Sprintf(format, args...))
}

// intParam accepts JSON numbers (float64) and Go ints, but only whole values.
func intParam(params map[string]interface{}, key string) (int, error) {
	switch v := params[key].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return int(v), nil
		}
	case nil:
		return 0, reject("%q is required", key)
	}
	return 0, reject("%q must be an integer", key)
}

func datasetRefs(params map[string]interface{}) ([]catalog.DatasetRef, error) {
	raw, ok := params["datasets"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, reject(`"datasets" must be a list`)
	}

	refs := make([]catalog.DatasetRef, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, reject("datasets[%d] must be an object", i)
		}
		name, _ := obj["name"].(string)
		if name == "" {
			return nil, reject("datasets[%d].name must be a non-empty string", i)
		}
		owner, err := intParam(obj, "ownerId")
		if err != nil {
			return nil, reject("datasets[%d].ownerId must be an integer", i)
		}
		refs = append(refs, catalog.DatasetRef{OwnerID: owner, Name: name})
	}
	return refs, nil
}
