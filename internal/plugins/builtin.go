package plugins

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"kokoro/internal/diary"
	"kokoro/internal/embedding"
	"kokoro/internal/store"
	"kokoro/internal/vcp"
)

// Builtins carries the dependencies of the in-process tools.
type Builtins struct {
	Store       *store.Store
	Engine      embedding.Engine
	Diary       *diary.Service
	CharacterID string
}

// RegisterBuiltins registers the in-process tools on the manager's
// registry: Echo, MemorySearch, MemorySave and DiaryWrite.
func (m *Manager) RegisterBuiltins(b Builtins) error {
	tools := []struct {
		desc     *vcp.HandlerDescriptor
		manifest *Manifest
	}{
		{
			desc: &vcp.HandlerDescriptor{
				Name:        "Echo",
				Description: "原样返回输入的 msg 参数，用于连通性测试",
				Protocol:    vcp.ProtocolDirect,
				Handler:     echoHandler,
			},
			manifest: &Manifest{
				Name:        "Echo",
				DisplayName: "Echo",
				Description: "原样返回输入的 msg 参数，用于连通性测试",
				Capabilities: Capabilities{InvocationCommands: []InvocationCommand{{
					Command:     "Echo",
					Description: "原样返回 msg 参数的内容。",
					Example:     `{"msg": "你好"}`,
				}}},
			},
		},
		{
			desc: &vcp.HandlerDescriptor{
				Name:        "MemorySearch",
				Description: "在角色的长期记忆中做语义检索",
				Protocol:    vcp.ProtocolDirect,
				Handler:     b.memorySearchHandler,
			},
			manifest: &Manifest{
				Name:        "MemorySearch",
				DisplayName: "记忆检索",
				Description: "在角色的长期记忆中做语义检索",
				Capabilities: Capabilities{InvocationCommands: []InvocationCommand{{
					Command:     "MemorySearch",
					Description: "按语义检索长期记忆。query 是检索内容，top_k 可选，默认 5。",
					Example:     `{"query": "用户的生日", "top_k": "3"}`,
				}}},
			},
		},
		{
			desc: &vcp.HandlerDescriptor{
				Name:        "MemorySave",
				Description: "把一条重要信息写入角色的长期记忆",
				Protocol:    vcp.ProtocolDirect,
				Handler:     b.memorySaveHandler,
			},
			manifest: &Manifest{
				Name:        "MemorySave",
				DisplayName: "记忆保存",
				Description: "把一条重要信息写入角色的长期记忆",
				Capabilities: Capabilities{InvocationCommands: []InvocationCommand{{
					Command:     "MemorySave",
					Description: "保存 content 参数的内容到长期记忆，供以后检索。",
					Example:     `{"content": "用户的生日是6月12日"}`,
				}}},
			},
		},
		{
			desc: &vcp.HandlerDescriptor{
				Name:        "DiaryWrite",
				Description: "写一篇角色日记",
				Protocol:    vcp.ProtocolDirect,
				Handler:     b.diaryWriteHandler,
			},
			manifest: &Manifest{
				Name:        "DiaryWrite",
				DisplayName: "日记",
				Description: "写一篇角色日记",
				Capabilities: Capabilities{InvocationCommands: []InvocationCommand{{
					Command:     "DiaryWrite",
					Description: "写一篇日记。content 是正文，tag 是逗号分隔的标签，date 可选（YYYY-MM-DD，默认今天）。",
					Example:     `{"content": "今天和哥哥聊了很久。", "tag": "日常, 开心"}`,
				}}},
			},
		},
	}

	for _, tool := range tools {
		if err := m.registry.Register(tool.desc); err != nil {
			return fmt.Errorf("failed to register builtin %s: %w", tool.desc.Name, err)
		}
		m.addManifest(tool.manifest)
	}
	return nil
}

func echoHandler(ctx context.Context, args map[string]string) (any, error) {
	return args["msg"], nil
}

func (b Builtins) memorySearchHandler(ctx context.Context, args map[string]string) (any, error) {
	query := strings.TrimSpace(args["query"])
	if query == "" {
		return nil, fmt.Errorf("query 参数不能为空")
	}
	if b.Engine == nil || b.Store == nil {
		return nil, fmt.Errorf("记忆检索未启用")
	}

	topK := 5
	if raw := args["top_k"]; raw != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("top_k 参数无效: %q", raw)
		}
		topK = n
	}

	vector, err := b.Engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("生成查询向量失败: %w", err)
	}
	hits, err := b.Store.SearchMemories(b.CharacterID, vector, topK)
	if err != nil {
		return nil, fmt.Errorf("检索记忆失败: %w", err)
	}
	if len(hits) == 0 {
		return "没有找到相关记忆", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("找到 %d 条相关记忆：\n", len(hits)))
	for i, hit := range hits {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, hit.Content))
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (b Builtins) memorySaveHandler(ctx context.Context, args map[string]string) (any, error) {
	content := strings.TrimSpace(args["content"])
	if content == "" {
		return nil, fmt.Errorf("content 参数不能为空")
	}
	if b.Engine == nil || b.Store == nil {
		return nil, fmt.Errorf("记忆保存未启用")
	}

	vector, err := b.Engine.Embed(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("生成记忆向量失败: %w", err)
	}
	if _, err := b.Store.AddMemory(b.CharacterID, content, vector); err != nil {
		return nil, fmt.Errorf("保存记忆失败: %w", err)
	}
	return "记忆已保存", nil
}

func (b Builtins) diaryWriteHandler(ctx context.Context, args map[string]string) (any, error) {
	if b.Diary == nil {
		return nil, fmt.Errorf("日记功能未启用")
	}
	content := strings.TrimSpace(args["content"])
	if content == "" {
		return nil, fmt.Errorf("content 参数不能为空")
	}

	path, err := b.Diary.Write(b.CharacterID, args["date"], content, args["tag"])
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("日记已保存到 %s", path), nil
}
