package mcp

// Tool represents an MCP tool definition
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema defines the JSON schema for tool input
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a property in the schema
type Property struct {
	Type        string              `json:"type"`
	Description string              `json:"description,omitempty"`
	Enum        []string            `json:"enum,omitempty"`
	Items       *Property           `json:"items,omitempty"`
	Properties  map[string]Property `json:"properties,omitempty"`
	Default     any                 `json:"default,omitempty"`
}

var (
	modelProp = Property{Type: "string", Description: "模型名称"}
	idProp    = Property{Type: "string", Description: "文档 ID"}
	whereProp = Property{
		Type:        "object",
		Description: "过滤条件，支持 $eq $in $nin $ne $exists $lt $lte $gt $gte $regex $near $geoWithin $and $or $not",
	}
	sortProp = Property{
		Type:        "array",
		Description: "排序字段，按顺序生效",
		Items: &Property{
			Type: "object",
			Properties: map[string]Property{
				"field": {Type: "string", Description: "字段名"},
				"order": {Type: "integer", Description: "1 升序, -1 降序"},
			},
		},
	}
)

// Tools defines all available MCP tools for document operations
var Tools = []Tool{
	{
		Name:        "docstore_models",
		Description: "列出所有已注册的模型及其字段。",
		InputSchema: InputSchema{Type: "object", Properties: map[string]Property{}},
	},
	{
		Name:        "docstore_get",
		Description: "按 ID 读取一个文档。",
		InputSchema: InputSchema{
			Type:       "object",
			Properties: map[string]Property{"model": modelProp, "id": idProp},
			Required:   []string{"model", "id"},
		},
	},
	{
		Name:        "docstore_query",
		Description: "按条件查询文档，已过期的文档不会返回。",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"model":  modelProp,
				"where":  whereProp,
				"select": {Type: "object", Description: "字段投影: 1 包含, 0 排除"},
				"sort":   sortProp,
				"offset": {Type: "integer", Description: "跳过的文档数"},
				"limit":  {Type: "integer", Description: "返回的最大数量"},
			},
			Required: []string{"model"},
		},
	},
	{
		Name:        "docstore_count",
		Description: "统计满足条件的文档数量。",
		InputSchema: InputSchema{
			Type:       "object",
			Properties: map[string]Property{"model": modelProp, "where": whereProp},
			Required:   []string{"model"},
		},
	},
	{
		Name:        "docstore_facet",
		Description: "按字段值分组统计文档数量。",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"model": modelProp,
				"field": {Type: "string", Description: "分组字段，嵌套字段用点号分隔"},
				"where": whereProp,
				"limit": {Type: "integer", Description: "最多返回的分组数", Default: 10},
			},
			Required: []string{"model", "field"},
		},
	},
	{
		Name:        "docstore_upsert",
		Description: "写入一个文档，存在则整体替换。",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"model":    modelProp,
				"id":       idProp,
				"document": {Type: "object", Description: "文档内容"},
			},
			Required: []string{"model", "document"},
		},
	},
	{
		Name:        "docstore_patch",
		Description: "局部更新文档，值为 null 的字段会被删除。",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"model": modelProp,
				"id":    idProp,
				"patch": {Type: "object", Description: "要修改的字段"},
			},
			Required: []string{"model", "id", "patch"},
		},
	},
	{
		Name:        "docstore_delete",
		Description: "删除指定的文档。",
		InputSchema: InputSchema{
			Type:       "object",
			Properties: map[string]Property{"model": modelProp, "id": idProp},
			Required:   []string{"model", "id"},
		},
	},
}
