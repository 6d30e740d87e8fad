package plugins

import (
	"fmt"
	"strings"

	"kokoro/internal/vcp"
)

// commandDescription renders one invocable command for the system
// prompt, including the exact wire format the model must emit.
func commandDescription(cmd InvocationCommand) string {
	return fmt.Sprintf(`## %s

%s

示例参数:
%s%s%s

当需要使用此工具时，请按以下格式输出：

%s
tool_name:「始」%s「末」,
参数名1:「始」值1「末」,
参数名2:「始」值2「末」
%s

请确保：
1. 所有参数使用「始」和「末」包裹
2. 参数之间用逗号分隔
3. 工具调用用 %s 包裹
`,
		cmd.Command,
		cmd.Description,
		"```json\n", cmd.Example, "\n```",
		vcp.MarkerStart,
		cmd.Command,
		vcp.MarkerEnd,
		vcp.MarkerStart,
	)
}

// ToolDescriptions builds the system prompt block describing every
// available tool. Returns "" when no plugin exposes commands.
func (m *Manager) ToolDescriptions() string {
	var sections []string
	for _, manifest := range m.Manifests() {
		for _, cmd := range manifest.Capabilities.InvocationCommands {
			name := cmd.Command
			if name == "" {
				name = manifest.Name
				cmd.Command = name
			}
			sections = append(sections, commandDescription(cmd))
		}
	}
	if len(sections) == 0 {
		return ""
	}

	return "# 可用工具\n\n你可以调用以下工具来完成任务：\n\n" + strings.Join(sections, "\n")
}
