// Copyright 2026 ShadowPlague21
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package admission

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/ShadowPlague21/Tessera/internal/job"
)

// 各能力的基准 token 成本；两位小数定点数，配额判等依赖精确算术
var costTable = map[string]decimal.Decimal{
	job.CapabilityImage: decimal.NewFromFloat(1.00),
	job.CapabilityText:  decimal.NewFromFloat(0.50),
	job.CapabilityAudio: decimal.NewFromFloat(0.50),
	job.CapabilityVideo: decimal.NewFromFloat(2.00),
}

// CostOf 计算一次任务的 token 成本；对同一 (capability, params) 必须确定
func CostOf(capability string, params json.RawMessage) decimal.Decimal {
	if c, ok := costTable[capability]; ok {
		return c
	}
	return decimal.Zero
}
