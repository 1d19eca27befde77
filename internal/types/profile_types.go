package types

// StructuredCandidateProfile AI抽取的结构化候选人档案
// 所有分节在归一化之后保证非nil，下游映射不需要判空
type StructuredCandidateProfile struct {
	BasicInfo        BasicInfo        `json:"basic_info"`
	ExecutiveSummary string           `json:"executive_summary"`
	Education        []EducationEntry `json:"education"`
	WorkExperience   []WorkExperience `json:"work_experience"`
	Skills           SkillsSection    `json:"skills"`
	Certifications   []string         `json:"certifications"`
	AIAssessment     AIAssessment     `json:"ai_assessment"`
}

// BasicInfo 基础身份信息
type BasicInfo struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Location string `json:"location"`
	LinkedIn string `json:"linkedin"`
	Website  string `json:"website"`
}

// EducationEntry 教育经历条目
type EducationEntry struct {
	Institution string `json:"institution"`
	Degree      string `json:"degree"`
	Field       string `json:"field"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	Description string `json:"description"`
}

// WorkExperience 职业工作经历条目（不含学术/个人项目）
type WorkExperience struct {
	Company          string   `json:"company"`
	Position         string   `json:"position"`
	StartDate        string   `json:"start_date"`
	EndDate          string   `json:"end_date"`
	Current          bool     `json:"current"`
	Description      string   `json:"description"`
	Keyachievements  []string `json:"key_achievements"`
	TechnologiesUsed []string `json:"technologies_used"`
}

// SkillsSection 技能分节，技术技能按熟练度分档
type SkillsSection struct {
	Technical TechnicalSkills `json:"technical"`
	Soft      []string        `json:"soft"`
}

// TechnicalSkills 技术技能按熟练度分档
type TechnicalSkills struct {
	Advanced     []string `json:"advanced"`
	Intermediate []string `json:"intermediate"`
	Beginner     []string `json:"beginner"`
}

// AIAssessment AI对候选人与岗位匹配度的评估
type AIAssessment struct {
	TechnicalFit   int      `json:"technical_fit"`
	CulturalFit    int      `json:"cultural_fit"`
	OverallScore   int      `json:"overall_score"` // 0-100 综合匹配分
	Strengths      []string `json:"strengths"`
	AreasForGrowth []string `json:"areas_for_growth"`
}

// JobContext 评分时使用的岗位上下文，运行时从候选人的岗位引用现取
type JobContext struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	SkillsRequired []string `json:"skills_required"`
}

// ExtractionResult 文本提取结果
type ExtractionResult struct {
	Text  string   `json:"text"`
	Links []string `json:"links"`
}
